package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

type sqliteMigration struct {
	version int
	sql     string
}

// sqliteMigrations are applied in order; versions are sequential from 1.
var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_states (
	account_id                TEXT    NOT NULL,
	folder_id                 TEXT    NOT NULL,
	uid_validity              INTEGER NOT NULL,
	highest_mod_seq           INTEGER NOT NULL DEFAULT 0,
	highest_uid               INTEGER NOT NULL DEFAULT 0,
	supports_incremental_sync INTEGER NOT NULL DEFAULT 0,
	updated_at                INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder_id)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteStateStore keeps mailbox sync cursors in a local SQLite file, for
// deployments that keep accounts and messages elsewhere.
type SQLiteStateStore struct {
	db *sqlx.DB
}

type sqliteStateRow struct {
	AccountID               string `db:"account_id"`
	FolderID                string `db:"folder_id"`
	UIDValidity             int64  `db:"uid_validity"`
	HighestModSeq           int64  `db:"highest_mod_seq"`
	HighestUID              int64  `db:"highest_uid"`
	SupportsIncrementalSync bool   `db:"supports_incremental_sync"`
	UpdatedAt               int64  `db:"updated_at"`
}

// NewSQLiteStateStore opens (or creates) the database at path, enables WAL
// and applies pending migrations.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between live sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStateStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStateStore) migrate() error {
	current := 0

	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'")
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Get returns the stored state, or nil when the folder has never been synced.
func (s *SQLiteStateStore) Get(ctx context.Context, accountID, folderID string) (*models.MailboxState, error) {
	var row sqliteStateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, folder_id, uid_validity, highest_mod_seq, highest_uid, supports_incremental_sync, updated_at
		FROM mailbox_states
		WHERE account_id = ? AND folder_id = ?`,
		accountID, folderID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox state: %w", err)
	}

	return &models.MailboxState{
		AccountID:               row.AccountID,
		FolderID:                row.FolderID,
		UIDValidity:             uint32(row.UIDValidity),
		HighestModSeq:           uint64(row.HighestModSeq),
		HighestUID:              uint32(row.HighestUID),
		SupportsIncrementalSync: row.SupportsIncrementalSync,
		UpdatedAt:               time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

// Put replaces the stored state. The last writer wins.
func (s *SQLiteStateStore) Put(ctx context.Context, state *models.MailboxState) error {
	row := sqliteStateRow{
		AccountID:               state.AccountID,
		FolderID:                state.FolderID,
		UIDValidity:             int64(state.UIDValidity),
		HighestModSeq:           int64(state.HighestModSeq),
		HighestUID:              int64(state.HighestUID),
		SupportsIncrementalSync: state.SupportsIncrementalSync,
		UpdatedAt:               state.UpdatedAt.UnixNano(),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO mailbox_states (
			account_id, folder_id, uid_validity, highest_mod_seq,
			highest_uid, supports_incremental_sync, updated_at
		) VALUES (
			:account_id, :folder_id, :uid_validity, :highest_mod_seq,
			:highest_uid, :supports_incremental_sync, :updated_at
		)`, row)

	if err != nil {
		return fmt.Errorf("failed to save mailbox state: %w", err)
	}

	return nil
}

// Delete removes the state of a folder that no longer exists.
func (s *SQLiteStateStore) Delete(ctx context.Context, accountID, folderID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mailbox_states WHERE account_id = ? AND folder_id = ?", accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox state: %w", err)
	}
	return nil
}
