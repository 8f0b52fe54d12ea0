package mailsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
	"golang.org/x/sync/errgroup"
)

// Stream control commands sent by the client.
const (
	CommandWatch   = "watch"
	CommandUnwatch = "unwatch"
	CommandActive  = "active"
)

// Command is a control message from the stream's client.
type Command struct {
	Type     string `json:"type"`
	FolderID string `json:"folderId"`
}

// StreamOptions are the client's stream parameters. Zero values fall back to
// the account preferences and then the process defaults.
type StreamOptions struct {
	ActiveFolderID string
	MaxSessions    int
	PollInterval   time.Duration
	// Push enables live sessions. Without it every folder is polled.
	Push bool
}

// Stream is one subscriber's live view of an account. It owns its session
// pool, live loops and poller; all of them end with Run.
type Stream struct {
	svc       *Service
	accountID string
	publisher Publisher
	opts      StreamOptions

	commands chan Command
	done     chan struct{}

	mu      sync.Mutex
	folders []models.Folder

	pool *Pool
	loop *LiveLoop
}

// NewStream creates a stream for accountID publishing to publisher.
func (s *Service) NewStream(accountID string, publisher Publisher, opts StreamOptions) *Stream {
	return &Stream{
		svc:       s,
		accountID: accountID,
		publisher: publisher,
		opts:      opts,
		commands:  make(chan Command),
		done:      make(chan struct{}),
	}
}

// Send hands a control command to the running stream.
func (st *Stream) Send(ctx context.Context, cmd Command) error {
	select {
	case st.commands <- cmd:
		return nil
	case <-st.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves the stream until ctx is done or the subscriber goes away.
func (st *Stream) Run(ctx context.Context) error {
	defer close(st.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-st.publisher.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	account, err := st.svc.accounts.GetAccount(ctx, st.accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	folders, err := st.svc.directory.ListFolders(ctx, account)
	if err != nil {
		return newSyncError("list folders", err)
	}
	st.setFolders(folders)

	maxIdle, interval := st.svc.limits(account, st.opts)
	inboxID := inboxOf(folders)

	g, gctx := errgroup.WithContext(ctx)

	st.pool = NewPool(gctx, maxIdle, inboxID, st.svc.opener(account))
	defer st.pool.CloseAll()
	st.loop = NewLiveLoop(st.svc.engine, st.svc.messages, st.publisher, account, st.svc.settings.IdleTimeout)

	active := st.opts.ActiveFolderID
	if active != "" {
		if _, ok := st.folder(active); !ok {
			st.publishError(active, ErrFolderNotFound)
			active = ""
		}
	}
	st.pool.SetActive(active)

	poller := NewPoller(account, st.svc.dialer, st.publisher, interval, func(ctx context.Context) ([]models.Folder, error) {
		return st.refreshFolders(ctx, account), nil
	}, func(folderID string) bool {
		return st.pool.Get(folderID) != nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})

	log.Printf("Stream: started for account %s (push=%t, maxSessions=%d, pollInterval=%s)",
		account.ID, st.opts.Push, maxIdle, interval)

	if inboxID != "" {
		st.watch(gctx, g, inboxID)
	}
	if active != "" && active != inboxID {
		st.watch(gctx, g, active)
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case cmd := <-st.commands:
				st.handle(gctx, g, cmd)
			}
		}
	})

	err = g.Wait()
	log.Printf("Stream: stopped for account %s", account.ID)
	return err
}

func (st *Stream) handle(ctx context.Context, g *errgroup.Group, cmd Command) {
	switch cmd.Type {
	case CommandWatch:
		st.watch(ctx, g, cmd.FolderID)
	case CommandUnwatch:
		st.pool.Close(cmd.FolderID)
	case CommandActive:
		if _, ok := st.folder(cmd.FolderID); !ok {
			st.publishError(cmd.FolderID, ErrFolderNotFound)
			return
		}
		st.pool.SetActive(cmd.FolderID)
		st.watch(ctx, g, cmd.FolderID)
	default:
		st.publishError(cmd.FolderID, fmt.Errorf("unknown command %q", cmd.Type))
	}
}

// watch opens a live session for the folder and starts its loop. Failures are
// reported to the client and leave the folder to the poller.
func (st *Stream) watch(ctx context.Context, g *errgroup.Group, folderID string) {
	folder, ok := st.folder(folderID)
	if !ok {
		st.publishError(folderID, ErrFolderNotFound)
		return
	}
	if !st.opts.Push {
		return
	}

	session, created, err := st.pool.Open(ctx, folder)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Stream: failed to watch %s, polling instead: %v", folderID, err)
			st.publishError(folderID, err)
		}
		return
	}
	if !created {
		return
	}

	g.Go(func() error {
		if err := st.loop.Run(ctx, session); err != nil {
			log.Printf("Stream: live updates for %s stopped, polling instead: %v", folderID, err)
			st.publishError(folderID, err)
			st.pool.remove(session)
		}
		return nil
	})
}

// refreshFolders re-lists the account's folders before a sweep. Folders gone
// from the server lose their session, stored messages and MailboxState. When
// listing fails the last known folders are kept.
func (st *Stream) refreshFolders(ctx context.Context, account *models.Account) []models.Folder {
	folders, err := st.svc.directory.ListFolders(ctx, account)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Warning: failed to refresh folders of account %s: %v", account.ID, err)
		}
		return st.snapshotFolders()
	}

	listed := make(map[string]bool, len(folders))
	for _, folder := range folders {
		listed[folder.ID] = true
	}
	for _, folder := range st.snapshotFolders() {
		if listed[folder.ID] {
			continue
		}
		log.Printf("Stream: folder %s was deleted on the server", folder.ID)
		st.pool.Close(folder.ID)
		if err := st.svc.engine.Forget(ctx, account.ID, folder.ID); err != nil {
			log.Printf("Warning: failed to forget folder %s: %v", folder.ID, err)
		}
	}

	st.setFolders(folders)
	return folders
}

func (st *Stream) publishError(folderID string, err error) {
	if pubErr := st.publisher.Publish(EventError, errorEvent(folderID, err)); pubErr != nil {
		log.Printf("Stream: failed to publish error event: %v", pubErr)
	}
}

func (st *Stream) setFolders(folders []models.Folder) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.folders = folders
}

func (st *Stream) snapshotFolders() []models.Folder {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]models.Folder(nil), st.folders...)
}

func (st *Stream) folder(folderID string) (models.Folder, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, f := range st.folders {
		if f.ID == folderID {
			return f, true
		}
	}
	return models.Folder{}, false
}

func inboxOf(folders []models.Folder) string {
	for _, f := range folders {
		if f.SpecialUse == models.SpecialUseInbox {
			return f.ID
		}
	}
	return ""
}
