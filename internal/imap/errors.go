package imap

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

var (
	// ErrProtocol marks a tagged NO or BAD response from the server
	// (mailbox does not exist, permission denied, unsupported command).
	ErrProtocol = errors.New("imap protocol error")
	// ErrDisconnected marks a failure on a connection the server or the network already closed.
	ErrDisconnected = errors.New("imap connection closed")
)

// wrapErr annotates err with the failed action and tags it with ErrProtocol or
// ErrDisconnected so callers can classify it without string matching.
func wrapErr(c *client.Client, action string, err error) error {
	if err == nil {
		return nil
	}

	var statusErr *imap.ErrStatusResp
	if errors.As(err, &statusErr) {
		return fmt.Errorf("failed to %s: %w: %w", action, ErrProtocol, err)
	}

	if c != nil && c.State() == imap.LogoutState {
		return fmt.Errorf("failed to %s: %w: %w", action, ErrDisconnected, err)
	}

	return fmt.Errorf("failed to %s: %w", action, err)
}
