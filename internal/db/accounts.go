package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/vmail/mailsync/internal/crypto"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// ErrAccountNotFound is returned when an account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore reads accounts and decrypts their IMAP credentials.
type AccountStore struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewAccountStore creates an AccountStore.
func NewAccountStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *AccountStore {
	return &AccountStore{pool: pool, encryptor: encryptor}
}

// GetAccount returns the account with its password decrypted.
func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var (
		account        models.Account
		sealedPassword []byte
		maxIdle        int
		pollIntervalMs int64
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			id,
			imap_server_hostname,
			imap_username,
			encrypted_imap_password,
			max_idle_sessions,
			poll_interval_ms
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&account.ID,
		&account.IMAPServerHostname,
		&account.IMAPUsername,
		&sealedPassword,
		&maxIdle,
		&pollIntervalMs,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	password, err := s.encryptor.Open(account.ID, sealedPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	account.IMAPPassword = password
	account.Sync = models.SyncPreferences{
		MaxIdleSessions: maxIdle,
		PollInterval:    time.Duration(pollIntervalMs) * time.Millisecond,
	}

	return &account, nil
}

// SaveAccount creates or updates an account, sealing its password.
func (s *AccountStore) SaveAccount(ctx context.Context, account *models.Account) error {
	sealedPassword, err := s.encryptor.Seal(account.ID, account.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (
			id,
			imap_server_hostname,
			imap_username,
			encrypted_imap_password,
			max_idle_sessions,
			poll_interval_ms
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			imap_server_hostname = EXCLUDED.imap_server_hostname,
			imap_username = EXCLUDED.imap_username,
			encrypted_imap_password = EXCLUDED.encrypted_imap_password,
			max_idle_sessions = EXCLUDED.max_idle_sessions,
			poll_interval_ms = EXCLUDED.poll_interval_ms,
			updated_at = NOW()
	`,
		account.ID,
		account.IMAPServerHostname,
		account.IMAPUsername,
		sealedPassword,
		account.Sync.MaxIdleSessions,
		account.Sync.PollInterval.Milliseconds(),
	)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}
