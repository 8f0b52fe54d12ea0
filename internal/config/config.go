package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mailbox state backends.
const (
	StateBackendPostgres = "postgres"
	StateBackendSQLite   = "sqlite"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	StateBackend    string
	SQLitePath      string
	MaxIdleSessions int
	PollInterval    time.Duration
	IdleTimeout     time.Duration
	RecentWindow    time.Duration
	// TestMode dials IMAP servers without TLS.
	TestMode bool
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:          os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:           getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		StateBackend:        strings.ToLower(getEnvOrDefault("VMAIL_STATE_BACKEND", StateBackendPostgres)),
		SQLitePath:          getEnvOrDefault("VMAIL_SQLITE_PATH", "mailsync.db"),
	}

	var err error
	if config.MaxIdleSessions, err = getIntOrDefault("VMAIL_MAX_IDLE_SESSIONS", 5); err != nil {
		return nil, err
	}
	if config.PollInterval, err = getDurationOrDefault("VMAIL_POLL_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.IdleTimeout, err = getDurationOrDefault("VMAIL_IDLE_TIMEOUT", 25*time.Minute); err != nil {
		return nil, err
	}
	days, err := getIntOrDefault("VMAIL_RECENT_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	config.RecentWindow = time.Duration(days) * 24 * time.Hour
	config.TestMode = os.Getenv("VMAIL_TEST_MODE") == "true"

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("VMAIL_DB_PASSWORD is required")
	}

	switch c.StateBackend {
	case StateBackendPostgres:
	case StateBackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("VMAIL_SQLITE_PATH is required for the sqlite state backend")
		}
	default:
		return fmt.Errorf("VMAIL_STATE_BACKEND must be %q or %q, got %q", StateBackendPostgres, StateBackendSQLite, c.StateBackend)
	}

	if c.MaxIdleSessions < 1 {
		return fmt.Errorf("VMAIL_MAX_IDLE_SESSIONS must be at least 1")
	}

	if c.PollInterval <= 0 || c.IdleTimeout <= 0 || c.RecentWindow <= 0 {
		return fmt.Errorf("VMAIL_POLL_INTERVAL, VMAIL_IDLE_TIMEOUT and VMAIL_RECENT_WINDOW_DAYS must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
