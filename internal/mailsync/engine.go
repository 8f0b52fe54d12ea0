package mailsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// DefaultRecentWindow is how far back recent-mode sync looks without a cursor.
const DefaultRecentWindow = 30 * 24 * time.Hour

// Engine runs bounded synchronization passes over one folder.
type Engine struct {
	states       StateStore
	messages     MessageStore
	threads      *ThreadResolver
	recentWindow time.Duration
	now          func() time.Time
}

// NewEngine creates an Engine. A zero recentWindow means DefaultRecentWindow.
func NewEngine(states StateStore, messages MessageStore, recentWindow time.Duration) *Engine {
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}
	return &Engine{
		states:       states,
		messages:     messages,
		threads:      NewThreadResolver(messages),
		recentWindow: recentWindow,
		now:          time.Now,
	}
}

// Sync runs one pass in mode over folder using conn. The folder's MailboxState
// is written only after messages were fetched and stored, so a failed pass
// leaves it untouched and can be retried.
func (e *Engine) Sync(ctx context.Context, conn Conn, account *models.Account, folder *models.Folder, mode models.SyncMode) (*models.SyncResult, error) {
	prev, err := e.states.Get(ctx, account.ID, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox state: %w", err)
	}

	status, err := conn.Examine(ctx, folderPath(folder))
	if err != nil {
		return nil, err
	}
	status.FolderID = folder.ID

	if prev != nil && prev.UIDValidity != status.UIDValidity {
		log.Printf("SyncEngine: uidValidity of %s changed from %d to %d, running full sync",
			folder.ID, prev.UIDValidity, status.UIDValidity)
		prev = nil
		mode = models.SyncModeFull
	}

	raws, err := e.fetch(ctx, conn, account, folder, mode, prev, status)
	if err != nil {
		return nil, err
	}

	messages := make([]*models.Message, 0, len(raws))
	for _, raw := range raws {
		messages = append(messages, Normalize(account.ID, folder.ID, status.UIDValidity, raw))
	}

	if err := e.threads.Resolve(ctx, account.ID, messages); err != nil {
		return nil, err
	}

	isFullReplace := mode == models.SyncModeFull
	if len(messages) > 0 || isFullReplace {
		if err := e.messages.UpsertMessages(ctx, account.ID, folder.ID, messages, isFullReplace); err != nil {
			return nil, fmt.Errorf("failed to store messages: %w", err)
		}
	}

	if err := e.saveState(ctx, account.ID, folder.ID, conn.SupportsCondStore(), status, messages); err != nil {
		return nil, err
	}

	return &models.SyncResult{Mode: mode, Messages: messages, Folder: *status}, nil
}

// Forget removes the stored messages and the MailboxState of a folder that was
// deleted on the server.
func (e *Engine) Forget(ctx context.Context, accountID, folderID string) error {
	if err := e.messages.UpsertMessages(ctx, accountID, folderID, nil, true); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if err := e.states.Delete(ctx, accountID, folderID); err != nil {
		return fmt.Errorf("failed to delete mailbox state: %w", err)
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, conn Conn, account *models.Account, folder *models.Folder, mode models.SyncMode, prev *models.MailboxState, status *models.FolderStatus) ([]*models.RawMessage, error) {
	if mode == models.SyncModeFull {
		if status.Exists == 0 {
			return nil, nil
		}
		return conn.FetchUIDRange(ctx, 1, 0)
	}

	if prev != nil && prev.SupportsIncrementalSync && prev.HighestModSeq > 0 && conn.SupportsCondStore() {
		if status.HighestModSeq != 0 && status.HighestModSeq == prev.HighestModSeq {
			return nil, nil
		}
		from := uint32(1)
		if mode == models.SyncModeNew && prev.HighestUID > 0 {
			from = prev.HighestUID
		}
		return conn.FetchChangedSince(ctx, from, prev.HighestModSeq)
	}

	if prev != nil {
		return fetchFromUID(ctx, conn, mode, prev.HighestUID, status)
	}

	if mode == models.SyncModeNew {
		latest, err := e.messages.GetLatestUID(ctx, account.ID, folder.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest UID: %w", err)
		}
		if latest > 0 {
			return fetchFromUID(ctx, conn, mode, latest, status)
		}
	}

	if status.Exists == 0 {
		return nil, nil
	}
	return conn.FetchSince(ctx, e.now().Add(-e.recentWindow))
}

// fetchFromUID fetches the UID range [highest, uidNext-1].
func fetchFromUID(ctx context.Context, conn Conn, mode models.SyncMode, highest uint32, status *models.FolderStatus) ([]*models.RawMessage, error) {
	if status.Exists == 0 {
		return nil, nil
	}

	from := highest
	if from == 0 {
		from = 1
	}

	var to uint32
	if status.UIDNext > 0 {
		to = status.UIDNext - 1
		if mode == models.SyncModeNew && to <= highest {
			return nil, nil
		}
		if to < from {
			return nil, nil
		}
	}
	return conn.FetchUIDRange(ctx, from, to)
}

// saveState re-reads the stored state and writes the cursor derived from the
// server values of this pass. Within one uidValidity the cursor never moves back.
func (e *Engine) saveState(ctx context.Context, accountID, folderID string, condStore bool, status *models.FolderStatus, messages []*models.Message) error {
	latest, err := e.states.Get(ctx, accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to load mailbox state: %w", err)
	}

	next := &models.MailboxState{
		AccountID:               accountID,
		FolderID:                folderID,
		UIDValidity:             status.UIDValidity,
		HighestModSeq:           status.HighestModSeq,
		SupportsIncrementalSync: condStore && status.HighestModSeq > 0,
		UpdatedAt:               e.now(),
	}

	if status.UIDNext > 0 {
		next.HighestUID = status.UIDNext - 1
	}
	for _, msg := range messages {
		if msg.UID > next.HighestUID {
			next.HighestUID = msg.UID
		}
	}

	if latest != nil && latest.UIDValidity == status.UIDValidity {
		if latest.HighestUID > next.HighestUID {
			next.HighestUID = latest.HighestUID
		}
		if latest.HighestModSeq > next.HighestModSeq {
			next.HighestModSeq = latest.HighestModSeq
		}
	}

	if err := e.states.Put(ctx, next); err != nil {
		return fmt.Errorf("failed to save mailbox state: %w", err)
	}
	return nil
}

func folderPath(folder *models.Folder) string {
	if folder.Path != "" {
		return folder.Path
	}
	return models.MailboxPath(folder.AccountID, folder.ID)
}
