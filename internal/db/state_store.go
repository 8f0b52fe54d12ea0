package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// StateStore keeps mailbox sync cursors in PostgreSQL.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore over pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

// Get returns the stored state, or nil when the folder has never been synced.
func (s *StateStore) Get(ctx context.Context, accountID, folderID string) (*models.MailboxState, error) {
	var (
		state       models.MailboxState
		uidValidity int64
		modSeq      int64
		highestUID  int64
	)

	err := s.pool.QueryRow(ctx, `
		SELECT account_id, folder_id, uid_validity, highest_mod_seq, highest_uid, supports_incremental_sync, updated_at
		FROM mailbox_states
		WHERE account_id = $1 AND folder_id = $2
	`, accountID, folderID).Scan(
		&state.AccountID,
		&state.FolderID,
		&uidValidity,
		&modSeq,
		&highestUID,
		&state.SupportsIncrementalSync,
		&state.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox state: %w", err)
	}

	state.UIDValidity = uint32(uidValidity)
	state.HighestModSeq = uint64(modSeq)
	state.HighestUID = uint32(highestUID)
	return &state, nil
}

// Put replaces the stored state. The last writer wins.
func (s *StateStore) Put(ctx context.Context, state *models.MailboxState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_states (
			account_id,
			folder_id,
			uid_validity,
			highest_mod_seq,
			highest_uid,
			supports_incremental_sync,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, folder_id) DO UPDATE SET
			uid_validity = EXCLUDED.uid_validity,
			highest_mod_seq = EXCLUDED.highest_mod_seq,
			highest_uid = EXCLUDED.highest_uid,
			supports_incremental_sync = EXCLUDED.supports_incremental_sync,
			updated_at = EXCLUDED.updated_at
	`,
		state.AccountID,
		state.FolderID,
		int64(state.UIDValidity),
		int64(state.HighestModSeq),
		int64(state.HighestUID),
		state.SupportsIncrementalSync,
		state.UpdatedAt.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to save mailbox state: %w", err)
	}

	return nil
}

// Delete removes the state of a folder that no longer exists.
func (s *StateStore) Delete(ctx context.Context, accountID, folderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mailbox_states WHERE account_id = $1 AND folder_id = $2
	`, accountID, folderID)

	if err != nil {
		return fmt.Errorf("failed to delete mailbox state: %w", err)
	}

	return nil
}
