package mailsync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// DefaultPollInterval is the sweep interval when neither the account nor the stream sets one.
const DefaultPollInterval = 5 * time.Minute

// Poller checks folder counters over one short-lived connection per sweep.
type Poller struct {
	account   *models.Account
	dialer    Dialer
	publisher Publisher
	interval  time.Duration

	// folders returns the folders to consider; live reports folders that have
	// a live session and are skipped.
	folders func(ctx context.Context) ([]models.Folder, error)
	live    func(folderID string) bool

	mu   sync.Mutex
	last map[string]models.FolderStatus
}

// NewPoller creates a poller. publisher may be nil when only Sweep results are used.
func NewPoller(account *models.Account, dialer Dialer, publisher Publisher, interval time.Duration, folders func(context.Context) ([]models.Folder, error), live func(string) bool) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if live == nil {
		live = func(string) bool { return false }
	}
	return &Poller{
		account:   account,
		dialer:    dialer,
		publisher: publisher,
		interval:  interval,
		folders:   folders,
		live:      live,
		last:      make(map[string]models.FolderStatus),
	}
}

// Interval returns the sweep interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run sweeps immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Poller: sweep for account %s failed: %v", p.account.ID, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs STATUS on every folder without a live session and returns the
// folders whose counters changed since the previous sweep. Folders that fail
// are skipped. Changed folders are published as one folder:update event.
func (p *Poller) Sweep(ctx context.Context) ([]models.FolderStatus, error) {
	folders, err := p.folders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	p.prune(folders)

	var targets []models.Folder
	for _, folder := range folders {
		if !p.live(folder.ID) {
			targets = append(targets, folder)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	conn, err := p.dialer.Dial(ctx, p.account)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for status sweep: %w", err)
	}
	defer func() {
		if err := conn.Logout(); err != nil {
			log.Printf("Poller: failed to logout: %v", err)
		}
	}()

	changed := make([]models.FolderStatus, 0, len(targets))
	for i := range targets {
		folder := &targets[i]
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		status, err := conn.Status(ctx, folderPath(folder))
		if err != nil {
			log.Printf("Warning: status check of %s failed: %v", folder.ID, err)
			continue
		}
		status.FolderID = folder.ID

		if p.remember(*status) {
			changed = append(changed, *status)
		}
	}

	if len(changed) > 0 && p.publisher != nil {
		if err := p.publisher.Publish(EventFolderUpdate, changed); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// prune forgets folders that are no longer listed, so a folder recreated
// under the same name is reported again.
func (p *Poller) prune(folders []models.Folder) {
	listed := make(map[string]bool, len(folders))
	for _, folder := range folders {
		listed[folder.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.last {
		if !listed[id] {
			delete(p.last, id)
		}
	}
}

// remember stores status and reports whether it differs from the previous one.
func (p *Poller) remember(status models.FolderStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.last[status.FolderID]
	p.last[status.FolderID] = status
	if !ok {
		return true
	}
	return prev.UIDValidity != status.UIDValidity ||
		prev.UIDNext != status.UIDNext ||
		prev.Exists != status.Exists ||
		prev.Unseen != status.Unseen
}
