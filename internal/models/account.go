package models

import "time"

// SyncPreferences are per-account overrides. Zero values mean "use the default".
type SyncPreferences struct {
	MaxIdleSessions int           `json:"max_idle_sessions"`
	PollInterval    time.Duration `json:"poll_interval"`
}

// Account is the read-only view of a mail account needed to connect.
type Account struct {
	ID                 string          `json:"id"`
	IMAPServerHostname string          `json:"imap_server_hostname"`
	IMAPUsername       string          `json:"imap_username"`
	IMAPPassword       string          `json:"-"`
	Sync               SyncPreferences `json:"sync"`
}
