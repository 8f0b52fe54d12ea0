package mailsync

import (
	"context"
	"fmt"
	"log"

	"github.com/vdavid/vmail/mailsync/internal/imap"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// IMAPDialer dials accounts over IMAP. UseTLS is false only in test mode.
type IMAPDialer struct {
	UseTLS bool
}

func (d IMAPDialer) Dial(ctx context.Context, account *models.Account) (Conn, error) {
	conn, err := imap.Dial(ctx, account.IMAPServerHostname, account.IMAPUsername, account.IMAPPassword, d.UseTLS)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// IMAPDirectory lists folders with LIST on a short-lived connection.
type IMAPDirectory struct {
	UseTLS bool
}

func (d IMAPDirectory) ListFolders(ctx context.Context, account *models.Account) ([]models.Folder, error) {
	conn, err := imap.Dial(ctx, account.IMAPServerHostname, account.IMAPUsername, account.IMAPPassword, d.UseTLS)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Logout(); err != nil {
			log.Printf("IMAPDirectory: failed to logout: %v", err)
		}
	}()

	folders, err := conn.ListFolders(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders of account %s: %w", account.ID, err)
	}
	return folders, nil
}
