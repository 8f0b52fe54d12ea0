package imap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// specialUseAttrs maps RFC 6154 mailbox attributes to folder roles.
var specialUseAttrs = map[string]models.SpecialUse{
	`\Sent`:    models.SpecialUseSent,
	`\Drafts`:  models.SpecialUseDrafts,
	`\Trash`:   models.SpecialUseTrash,
	`\Junk`:    models.SpecialUseJunk,
	`\Archive`: models.SpecialUseArchive,
}

// ListFolders lists all selectable folders on the IMAP server, with parent links
// derived from the hierarchy delimiter.
func ListFolders(c *client.Client, accountID string) ([]models.Folder, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, wrapErr(c, "list folders", err)
	}

	return buildFolders(accountID, infos), nil
}

func buildFolders(accountID string, infos []*imap.MailboxInfo) []models.Folder {
	listed := make(map[string]bool, len(infos))
	for _, info := range infos {
		if selectable(info.Attributes) {
			listed[info.Name] = true
		}
	}

	folders := make([]models.Folder, 0, len(infos))
	for _, info := range infos {
		if !selectable(info.Attributes) {
			continue
		}

		folder := models.Folder{
			ID:         models.FolderID(accountID, info.Name),
			AccountID:  accountID,
			Name:       info.Name,
			Path:       info.Name,
			SpecialUse: specialUse(info),
			Delimiter:  info.Delimiter,
		}

		if info.Delimiter != "" {
			if i := strings.LastIndex(info.Name, info.Delimiter); i > 0 {
				parent := info.Name[:i]
				folder.Name = info.Name[i+len(info.Delimiter):]
				if listed[parent] {
					folder.ParentID = models.FolderID(accountID, parent)
				}
			}
		}

		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Path < folders[j].Path
	})
	return folders
}

func selectable(attrs []string) bool {
	for _, attr := range attrs {
		if strings.EqualFold(attr, imap.NoSelectAttr) || strings.EqualFold(attr, `\NonExistent`) {
			return false
		}
	}
	return true
}

func specialUse(info *imap.MailboxInfo) models.SpecialUse {
	if strings.EqualFold(info.Name, "INBOX") {
		return models.SpecialUseInbox
	}
	for _, attr := range info.Attributes {
		for name, role := range specialUseAttrs {
			if strings.EqualFold(attr, name) {
				return role
			}
		}
	}
	return models.SpecialUseNone
}
