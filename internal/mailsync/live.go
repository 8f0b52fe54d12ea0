package mailsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// DefaultIdleTimeout re-enters the wait before servers drop an idle connection.
const DefaultIdleTimeout = 25 * time.Minute

// LiveLoop reacts to server pushes on one session and publishes what changed.
type LiveLoop struct {
	engine      *Engine
	messages    MessageStore
	publisher   Publisher
	account     *models.Account
	idleTimeout time.Duration
}

// NewLiveLoop creates a loop. A zero idleTimeout means DefaultIdleTimeout.
func NewLiveLoop(engine *Engine, messages MessageStore, publisher Publisher, account *models.Account, idleTimeout time.Duration) *LiveLoop {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &LiveLoop{
		engine:      engine,
		messages:    messages,
		publisher:   publisher,
		account:     account,
		idleTimeout: idleTimeout,
	}
}

// Run watches s until it is closed or ctx is done, returning nil in both cases.
// Any other failure ends the loop with an error; the caller falls back to polling.
func (l *LiveLoop) Run(ctx context.Context, s *Session) error {
	if !s.begin() {
		return nil
	}
	defer s.end()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	folder := s.Folder()

	// Catch up with anything that arrived since the last persisted cursor.
	if err := l.syncNew(ctx, s, &folder); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	uids, err := s.conn.UIDs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to map sequence numbers of %s: %w", folder.ID, err)
	}

	for {
		pushes, err := s.conn.Wait(ctx, l.idleTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to wait for updates on %s: %w", folder.ID, err)
		}

		for _, push := range pushes {
			uids, err = l.handle(ctx, s, &folder, uids, push)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (l *LiveLoop) handle(ctx context.Context, s *Session, folder *models.Folder, uids []uint32, push models.Push) ([]uint32, error) {
	switch push.Kind {
	case models.PushExists:
		return l.handleExists(ctx, s, folder, uids)
	case models.PushExpunge:
		return l.handleExpunge(ctx, s, folder, uids, push)
	case models.PushFlags:
		return uids, l.handleFlags(ctx, folder, uids, push)
	}
	return uids, nil
}

func (l *LiveLoop) handleExists(ctx context.Context, s *Session, folder *models.Folder, uids []uint32) ([]uint32, error) {
	status, err := s.conn.Status(ctx, folderPath(folder))
	if err != nil {
		return uids, err
	}
	status.FolderID = folder.ID

	if status.UIDNext <= s.LastSeenUIDNext() {
		return uids, l.publisher.Publish(EventFolderUpdate, []models.FolderStatus{*status})
	}

	if err := l.syncNew(ctx, s, folder); err != nil {
		return uids, err
	}

	// The pass re-selected the folder; sequence numbers start over.
	fresh, err := s.conn.UIDs(ctx)
	if err != nil {
		return uids, fmt.Errorf("failed to map sequence numbers of %s: %w", folder.ID, err)
	}
	return fresh, nil
}

// syncNew runs a new-mode pass and publishes its messages, then the folder counters.
func (l *LiveLoop) syncNew(ctx context.Context, s *Session, folder *models.Folder) error {
	result, err := l.engine.Sync(ctx, s.conn, l.account, folder, models.SyncModeNew)
	if err != nil {
		return fmt.Errorf("failed to sync %s: %w", folder.ID, err)
	}
	s.setLastSeenUIDNext(result.Folder.UIDNext)

	if len(result.Messages) > 0 {
		event := NewMessagesEvent{FolderID: folder.ID, UIDNext: result.Folder.UIDNext, Messages: result.Messages}
		if err := l.publisher.Publish(EventNew, event); err != nil {
			return err
		}
	}
	return l.publisher.Publish(EventFolderUpdate, []models.FolderStatus{result.Folder})
}

func (l *LiveLoop) handleExpunge(ctx context.Context, s *Session, folder *models.Folder, uids []uint32, push models.Push) ([]uint32, error) {
	if push.SeqNum == 0 || int(push.SeqNum) > len(uids) {
		log.Printf("Warning: expunge of unknown sequence number %d in %s, remapping", push.SeqNum, folder.ID)
		fresh, err := s.conn.UIDs(ctx)
		if err != nil {
			return uids, fmt.Errorf("failed to map sequence numbers of %s: %w", folder.ID, err)
		}
		return fresh, nil
	}

	i := int(push.SeqNum) - 1
	uid := uids[i]
	uids = append(uids[:i], uids[i+1:]...)

	if err := l.messages.DeleteMessage(ctx, l.account.ID, folder.ID, uid); err != nil {
		log.Printf("Warning: failed to delete message %d from %s: %v", uid, folder.ID, err)
	}

	return uids, l.publisher.Publish(EventMessageRemoved, RemovedEvent{FolderID: folder.ID, UID: uid})
}

func (l *LiveLoop) handleFlags(ctx context.Context, folder *models.Folder, uids []uint32, push models.Push) error {
	uid := push.UID
	if uid == 0 && push.SeqNum > 0 && int(push.SeqNum) <= len(uids) {
		uid = uids[push.SeqNum-1]
	}
	if uid == 0 {
		log.Printf("Warning: flag change for unknown message %d in %s", push.SeqNum, folder.ID)
		return nil
	}

	if err := l.messages.UpdateFlags(ctx, l.account.ID, folder.ID, uid, NormalizeFlags(push.Flags)); err != nil {
		log.Printf("Warning: failed to update flags of message %d in %s: %v", uid, folder.ID, err)
	}

	flags := push.Flags
	if flags == nil {
		flags = []string{}
	}
	return l.publisher.Publish(EventFlagsUpdate, FlagsEvent{FolderID: folder.ID, UID: uid, Flags: flags})
}
