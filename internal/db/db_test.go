package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailsync/internal/config"
	"github.com/vdavid/vmail/mailsync/internal/models"
	"github.com/vdavid/vmail/mailsync/internal/testutil"
)

func TestNewConnection(t *testing.T) {
	if os.Getenv("PGHOST") == "" {
		t.Skip("Skipping database test: PGHOST not set")
	}

	cfg := &config.Config{
		DBHost:     os.Getenv("PGHOST"),
		DBPort:     getEnvOr("PGPORT", "5432"),
		DBUsername: getEnvOr("PGUSER", "postgres"),
		DBPassword: getEnvOr("PGPASSWORD", "postgres"),
		DBName:     getEnvOr("PGDATABASE", "postgres"),
		DBSSLMode:  "disable",
		Timezone:   "UTC",
	}

	pool, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	defer CloseConnection(pool)

	assert.Equal(t, int32(25), pool.Stat().MaxConns())
	assert.NoError(t, pool.Ping(context.Background()))
}

func TestNewConnectionInvalidConfig(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "invalid-host-that-does-not-exist",
		DBPort:     "5432",
		DBUsername: "invalid",
		DBPassword: "invalid",
		DBName:     "invalid",
		DBSSLMode:  "disable",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewConnection(ctx, cfg)
	assert.Error(t, err)
}

func TestCloseConnectionNil(t *testing.T) {
	assert.NotPanics(t, func() { CloseConnection(nil) })
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// createTestAccount stores an account row that other tables can reference.
func createTestAccount(t *testing.T, store *AccountStore, id string) *models.Account {
	t.Helper()

	account := &models.Account{
		ID:                 id,
		IMAPServerHostname: "imap.example.com:993",
		IMAPUsername:       id + "@example.com",
		IMAPPassword:       "secret-" + id,
	}
	require.NoError(t, store.SaveAccount(context.Background(), account))
	return account
}

type testStores struct {
	accounts *AccountStore
	messages *MessageStore
	states   *StateStore
}

// newTestStores starts a Postgres container with the migrations applied.
func newTestStores(t *testing.T) testStores {
	t.Helper()

	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	return testStores{
		accounts: NewAccountStore(pool, testutil.GetTestEncryptor(t)),
		messages: NewMessageStore(pool),
		states:   NewStateStore(pool),
	}
}
