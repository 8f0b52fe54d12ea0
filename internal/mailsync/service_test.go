package mailsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailsync/internal/imap"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

type serviceFixture struct {
	accounts    *fakeAccounts
	directory   *fakeDirectory
	dialer      *fakeDialer
	states      *fakeStates
	messages    *fakeMessages
	broadcaster *fakeBroadcaster
}

func newServiceFixture(dial func(n int) (Conn, error)) *serviceFixture {
	return &serviceFixture{
		accounts:    &fakeAccounts{accounts: map[string]*models.Account{"acc": testAccount()}},
		directory:   &fakeDirectory{},
		dialer:      &fakeDialer{dial: dial},
		states:      newFakeStates(),
		messages:    newFakeMessages(),
		broadcaster: &fakeBroadcaster{},
	}
}

func (f *serviceFixture) service(settings Settings) *Service {
	return NewService(f.accounts, f.directory, f.dialer, newTestEngine(f.states, f.messages), f.messages, f.broadcaster, settings)
}

func syncErrorOf(t *testing.T, err error) *SyncError {
	t.Helper()

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr), "expected a *SyncError, got %v", err)
	return syncErr
}

func TestService_TriggerSync(t *testing.T) {
	t.Run("syncs and broadcasts the result", func(t *testing.T) {
		conn := newFakeConn(1)
		fillFolder(conn, 1, 4)
		f := newServiceFixture(func(int) (Conn, error) { return conn, nil })

		result, err := f.service(Settings{}).TriggerSync(context.Background(), "acc", "acc:INBOX", models.SyncModeFull)
		require.NoError(t, err)

		assert.Equal(t, models.SyncModeFull, result.Mode)
		assert.Equal(t, []uint32{1, 2, 3}, uidsOf(result.Messages))
		assert.Equal(t, uint32(4), result.Folder.UIDNext)
		assert.Equal(t, "acc:INBOX", result.Folder.FolderID)
		assert.Equal(t, 1, conn.logoutCount())

		require.Len(t, f.broadcaster.events, 2)
		assert.Equal(t, EventNew, f.broadcaster.events[0].event)
		assert.Equal(t, EventFolderUpdate, f.broadcaster.events[1].event)
	})

	t.Run("empty pass only broadcasts counters", func(t *testing.T) {
		conn := newFakeConn(1)
		f := newServiceFixture(func(int) (Conn, error) { return conn, nil })

		result, err := f.service(Settings{}).TriggerSync(context.Background(), "acc", "acc:INBOX", models.SyncModeRecent)
		require.NoError(t, err)
		assert.Empty(t, result.Messages)

		require.Len(t, f.broadcaster.events, 1)
		assert.Equal(t, EventFolderUpdate, f.broadcaster.events[0].event)
	})

	t.Run("caller cancellation does not abort the pass", func(t *testing.T) {
		conn := newFakeConn(1)
		fillFolder(conn, 1, 3)
		f := newServiceFixture(func(int) (Conn, error) { return conn, nil })

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := f.service(Settings{}).TriggerSync(ctx, "acc", "acc:INBOX", models.SyncModeFull)
		require.NoError(t, err)
		assert.Len(t, result.Messages, 2)
	})

	tests := []struct {
		name     string
		setup    func(*serviceFixture)
		wantOp   string
		wantKind ErrorKind
	}{
		{
			name:     "unknown account",
			setup:    func(f *serviceFixture) { f.accounts.err = errBoom },
			wantOp:   "load account",
			wantKind: KindUnknown,
		},
		{
			name: "refused connection",
			setup: func(f *serviceFixture) {
				f.dialer.dial = func(int) (Conn, error) {
					return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
				}
			},
			wantOp:   "connect",
			wantKind: KindTransport,
		},
		{
			name: "missing folder",
			setup: func(f *serviceFixture) {
				conn := newFakeConn(1)
				conn.examineErr = fmt.Errorf("failed to examine Nope: %w", imap.ErrProtocol)
				f.dialer.dial = func(int) (Conn, error) { return conn, nil }
			},
			wantOp:   "sync acc:Nope",
			wantKind: KindProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(nil)
			tt.setup(f)

			_, err := f.service(Settings{}).TriggerSync(context.Background(), "acc", "acc:Nope", models.SyncModeNew)
			syncErr := syncErrorOf(t, err)
			assert.Equal(t, tt.wantOp, syncErr.Op)
			assert.Equal(t, tt.wantKind, syncErr.Kind)
			assert.Equal(t, tt.wantKind, Classify(err))
			assert.Empty(t, f.broadcaster.events)
		})
	}
}

func TestService_TriggerSyncSharesConcurrentPasses(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	conn := newFakeConn(1)
	fillFolder(conn, 1, 3)

	f := newServiceFixture(func(n int) (Conn, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return conn, nil
	})
	svc := f.service(Settings{})

	var wg sync.WaitGroup
	results := make([]*models.SyncResult, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = svc.TriggerSync(context.Background(), "acc", "acc:INBOX", models.SyncModeFull)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = svc.TriggerSync(context.Background(), "acc", "acc:INBOX", models.SyncModeFull)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, f.dialer.count())
}

func TestService_FolderStatuses(t *testing.T) {
	t.Run("no folders yields an empty list", func(t *testing.T) {
		f := newServiceFixture(nil)

		statuses, err := f.service(Settings{}).FolderStatuses(context.Background(), "acc")
		require.NoError(t, err)
		assert.NotNil(t, statuses)
		assert.Empty(t, statuses)
		assert.Zero(t, f.dialer.count())
	})

	t.Run("reports every folder", func(t *testing.T) {
		conn := newStatusConn()
		conn.set("INBOX", models.FolderStatus{UIDValidity: 1, UIDNext: 5, Exists: 4, Unseen: 1})
		conn.set("Sent", models.FolderStatus{UIDValidity: 1, UIDNext: 2, Exists: 1})
		f := newServiceFixture(func(int) (Conn, error) { return conn, nil })
		f.directory.folders = []models.Folder{testFolder("INBOX"), testFolder("Sent")}

		statuses, err := f.service(Settings{}).FolderStatuses(context.Background(), "acc")
		require.NoError(t, err)
		require.Len(t, statuses, 2)
		assert.Equal(t, "acc:INBOX", statuses[0].FolderID)
		assert.Equal(t, uint32(1), statuses[0].Unseen)
		assert.Equal(t, "acc:Sent", statuses[1].FolderID)
	})

	t.Run("folder listing failure", func(t *testing.T) {
		f := newServiceFixture(nil)
		f.directory.err = errBoom

		_, err := f.service(Settings{}).FolderStatuses(context.Background(), "acc")
		assert.Equal(t, "list folders", syncErrorOf(t, err).Op)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("sweep connection failure", func(t *testing.T) {
		f := newServiceFixture(func(int) (Conn, error) { return nil, errBoom })
		f.directory.folders = []models.Folder{testFolder("INBOX")}

		_, err := f.service(Settings{}).FolderStatuses(context.Background(), "acc")
		assert.Equal(t, "status sweep", syncErrorOf(t, err).Op)
	})
}

func TestService_Limits(t *testing.T) {
	tests := []struct {
		name         string
		prefs        models.SyncPreferences
		opts         StreamOptions
		wantMaxIdle  int
		wantInterval time.Duration
	}{
		{
			name:         "process defaults",
			wantMaxIdle:  4,
			wantInterval: time.Minute,
		},
		{
			name:         "account preferences override defaults",
			prefs:        models.SyncPreferences{MaxIdleSessions: 2, PollInterval: 30 * time.Second},
			wantMaxIdle:  2,
			wantInterval: 30 * time.Second,
		},
		{
			name:         "stream options override account preferences",
			prefs:        models.SyncPreferences{MaxIdleSessions: 2, PollInterval: 30 * time.Second},
			opts:         StreamOptions{MaxSessions: 7, PollInterval: 10 * time.Second},
			wantMaxIdle:  7,
			wantInterval: 10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServiceFixture(nil).service(Settings{MaxIdleSessions: 4, PollInterval: time.Minute})
			account := testAccount()
			account.Sync = tt.prefs

			maxIdle, interval := svc.limits(account, tt.opts)
			assert.Equal(t, tt.wantMaxIdle, maxIdle)
			assert.Equal(t, tt.wantInterval, interval)
		})
	}

	t.Run("zero settings fall back to package defaults", func(t *testing.T) {
		svc := newServiceFixture(nil).service(Settings{})
		maxIdle, interval := svc.limits(testAccount(), StreamOptions{})
		assert.Equal(t, DefaultMaxIdleSessions, maxIdle)
		assert.Equal(t, DefaultPollInterval, interval)
	})
}
