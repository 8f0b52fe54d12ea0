package mailsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxIdleSessions bounds live sessions per stream when nothing else does.
const DefaultMaxIdleSessions = 5

// Settings are the process-wide defaults. Account preferences and stream
// parameters override them.
type Settings struct {
	MaxIdleSessions int
	PollInterval    time.Duration
	IdleTimeout     time.Duration
}

// Service wires the sync components for streams and explicit sync requests.
type Service struct {
	accounts    AccountProvider
	directory   FolderDirectory
	dialer      Dialer
	engine      *Engine
	messages    MessageStore
	broadcaster Broadcaster
	settings    Settings

	group singleflight.Group
}

// NewService creates a Service. broadcaster may be nil.
func NewService(accounts AccountProvider, directory FolderDirectory, dialer Dialer, engine *Engine, messages MessageStore, broadcaster Broadcaster, settings Settings) *Service {
	if settings.MaxIdleSessions <= 0 {
		settings.MaxIdleSessions = DefaultMaxIdleSessions
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	if settings.IdleTimeout <= 0 {
		settings.IdleTimeout = DefaultIdleTimeout
	}
	return &Service{
		accounts:    accounts,
		directory:   directory,
		dialer:      dialer,
		engine:      engine,
		messages:    messages,
		broadcaster: broadcaster,
		settings:    settings,
	}
}

// TriggerSync runs one sync pass on a short-lived connection. Identical
// concurrent requests share a single pass. The pass is not cancelled when the
// caller goes away. Failures are returned as *SyncError.
func (s *Service) TriggerSync(ctx context.Context, accountID, folderID string, mode models.SyncMode) (*models.SyncResult, error) {
	key := fmt.Sprintf("%s|%s|%s", accountID, folderID, mode)
	ctx = context.WithoutCancel(ctx)

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.triggerSync(ctx, accountID, folderID, mode)
	})
	if shared {
		log.Printf("SyncService: shared sync pass for %s", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.SyncResult), nil
}

func (s *Service) triggerSync(ctx context.Context, accountID, folderID string, mode models.SyncMode) (*models.SyncResult, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, newSyncError("load account", err)
	}

	folder := &models.Folder{
		ID:        folderID,
		AccountID: accountID,
		Path:      models.MailboxPath(accountID, folderID),
	}

	conn, err := s.dialer.Dial(ctx, account)
	if err != nil {
		return nil, newSyncError("connect", err)
	}
	defer func() {
		if err := conn.Logout(); err != nil {
			log.Printf("SyncService: failed to logout: %v", err)
		}
	}()

	result, err := s.engine.Sync(ctx, conn, account, folder, mode)
	if err != nil {
		return nil, newSyncError("sync "+folderID, err)
	}

	if s.broadcaster != nil {
		if len(result.Messages) > 0 {
			s.broadcaster.Broadcast(accountID, EventNew, NewMessagesEvent{
				FolderID: folderID,
				UIDNext:  result.Folder.UIDNext,
				Messages: result.Messages,
			})
		}
		s.broadcaster.Broadcast(accountID, EventFolderUpdate, []models.FolderStatus{result.Folder})
	}

	return result, nil
}

// FolderStatuses runs one status sweep over every folder of the account.
func (s *Service) FolderStatuses(ctx context.Context, accountID string) ([]models.FolderStatus, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, newSyncError("load account", err)
	}

	folders, err := s.directory.ListFolders(ctx, account)
	if err != nil {
		return nil, newSyncError("list folders", err)
	}

	poller := NewPoller(account, s.dialer, nil, s.settings.PollInterval, func(context.Context) ([]models.Folder, error) {
		return folders, nil
	}, nil)
	statuses, err := poller.Sweep(ctx)
	if err != nil {
		return nil, newSyncError("status sweep", err)
	}
	if statuses == nil {
		statuses = []models.FolderStatus{}
	}
	return statuses, nil
}

// opener dials and examines a folder for a new live session.
func (s *Service) opener(account *models.Account) Opener {
	return func(ctx context.Context, folder models.Folder) (Conn, *models.FolderStatus, error) {
		conn, err := s.dialer.Dial(ctx, account)
		if err != nil {
			return nil, nil, err
		}

		status, err := conn.Examine(ctx, folderPath(&folder))
		if err != nil {
			_ = conn.Logout()
			return nil, nil, err
		}
		return conn, status, nil
	}
}

// limits resolves capacity and poll interval: stream options, then account
// preferences, then process defaults.
func (s *Service) limits(account *models.Account, opts StreamOptions) (int, time.Duration) {
	maxIdle := s.settings.MaxIdleSessions
	if account.Sync.MaxIdleSessions > 0 {
		maxIdle = account.Sync.MaxIdleSessions
	}
	if opts.MaxSessions > 0 {
		maxIdle = opts.MaxSessions
	}

	interval := s.settings.PollInterval
	if account.Sync.PollInterval > 0 {
		interval = account.Sync.PollInterval
	}
	if opts.PollInterval > 0 {
		interval = opts.PollInterval
	}

	return maxIdle, interval
}
