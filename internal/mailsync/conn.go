package mailsync

import (
	"context"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// Conn is one authenticated mailbox-access connection. Implementations are
// not required to be safe for concurrent use; each Conn has a single owner.
type Conn interface {
	SupportsCondStore() bool
	// Examine selects path read-only and reports its counters.
	Examine(ctx context.Context, path string) (*models.FolderStatus, error)
	// Status reports counters of path without selecting it.
	Status(ctx context.Context, path string) (*models.FolderStatus, error)
	// UIDs lists the selected mailbox's UIDs in sequence-number order.
	UIDs(ctx context.Context) ([]uint32, error)
	// FetchUIDRange fetches from <= UID <= to; to == 0 means through the last message.
	FetchUIDRange(ctx context.Context, from, to uint32) ([]*models.RawMessage, error)
	FetchSince(ctx context.Context, since time.Time) ([]*models.RawMessage, error)
	FetchChangedSince(ctx context.Context, from uint32, modSeq uint64) ([]*models.RawMessage, error)
	// Wait blocks until the server pushes changes, timeout elapses or ctx is done.
	Wait(ctx context.Context, timeout time.Duration) ([]models.Push, error)
	Logout() error
}

// Dialer opens connections for an account.
type Dialer interface {
	Dial(ctx context.Context, account *models.Account) (Conn, error)
}

// StateStore persists one MailboxState per (account, folder).
// Get returns nil, nil when no state exists.
type StateStore interface {
	Get(ctx context.Context, accountID, folderID string) (*models.MailboxState, error)
	Put(ctx context.Context, state *models.MailboxState) error
	Delete(ctx context.Context, accountID, folderID string) error
}

// ThreadLookup resolves Message-IDs to the thread ids they were persisted with.
// Unknown ids are absent from the result.
type ThreadLookup interface {
	LookupThreadIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error)
}

// MessageStore is the durable message storage.
type MessageStore interface {
	ThreadLookup
	// GetLatestUID returns the highest stored UID of the folder, 0 when none is stored.
	GetLatestUID(ctx context.Context, accountID, folderID string) (uint32, error)
	UpsertMessages(ctx context.Context, accountID, folderID string, messages []*models.Message, isFullReplace bool) error
	DeleteMessage(ctx context.Context, accountID, folderID string, uid uint32) error
	UpdateFlags(ctx context.Context, accountID, folderID string, uid uint32, flags models.Flags) error
}

// AccountProvider is the read-only account and credentials collaborator.
type AccountProvider interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// FolderDirectory lists the folders of an account.
type FolderDirectory interface {
	ListFolders(ctx context.Context, account *models.Account) ([]models.Folder, error)
}

// Publisher delivers named events to one subscriber, in order.
type Publisher interface {
	Publish(event string, data any) error
	// Done is closed once the subscriber is gone.
	Done() <-chan struct{}
}

// Broadcaster delivers an event to every subscriber of an account.
type Broadcaster interface {
	Broadcast(accountID, event string, data any)
}
