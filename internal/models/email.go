package models

import (
	"fmt"
	"strings"
	"time"
)

// SpecialUse is the well-known role of a folder (RFC 6154).
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseInbox   SpecialUse = "inbox"
	SpecialUseSent    SpecialUse = "sent"
	SpecialUseDrafts  SpecialUse = "drafts"
	SpecialUseTrash   SpecialUse = "trash"
	SpecialUseJunk    SpecialUse = "junk"
	SpecialUseArchive SpecialUse = "archive"
)

// Folder is a mailbox on the server. Folders form a forest per account.
type Folder struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Name       string     `json:"name"`
	Path       string     `json:"path"`
	ParentID   string     `json:"parent_id,omitempty"`
	SpecialUse SpecialUse `json:"special_use,omitempty"`
	Delimiter  string     `json:"delimiter"`
}

// FolderID builds the account-scoped folder identifier for a mailbox path.
func FolderID(accountID, path string) string {
	return accountID + ":" + path
}

// MailboxPath strips the account-scoped prefix from a folder identifier.
func MailboxPath(accountID, folderID string) string {
	return strings.TrimPrefix(folderID, accountID+":")
}

// MailboxState is the per-folder sync cursor.
// A change in UIDValidity invalidates HighestUID and HighestModSeq.
type MailboxState struct {
	AccountID               string    `json:"account_id"`
	FolderID                string    `json:"folder_id"`
	UIDValidity             uint32    `json:"uid_validity"`
	HighestModSeq           uint64    `json:"highest_mod_seq,omitempty"`
	HighestUID              uint32    `json:"highest_uid"`
	SupportsIncrementalSync bool      `json:"supports_incremental_sync"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// FolderStatus is a snapshot of server-reported folder counters.
type FolderStatus struct {
	FolderID      string `json:"folderId"`
	UIDValidity   uint32 `json:"-"`
	UIDNext       uint32 `json:"uidNext"`
	HighestModSeq uint64 `json:"-"`
	Exists        uint32 `json:"exists"`
	Unseen        uint32 `json:"unseen"`
}

// Flags holds the protocol flags of a message.
type Flags struct {
	Seen     bool     `json:"seen"`
	Answered bool     `json:"answered"`
	Flagged  bool     `json:"flagged"`
	Deleted  bool     `json:"deleted"`
	Draft    bool     `json:"draft"`
	Recent   bool     `json:"recent"`
	Keywords []string `json:"keywords,omitempty"`
}

// RawMessage is a fetched message before normalization.
type RawMessage struct {
	UID          uint32
	ModSeq       uint64
	Flags        []string
	MessageID    string
	InReplyTo    string
	References   []string
	Subject      string
	From         []string
	To           []string
	Cc           []string
	Bcc          []string
	SentAt       time.Time
	InternalDate time.Time
	Size         uint32
	BodyText     string
	BodyHTML     string
	Attachments  []Attachment
}

// Message is the canonical record of a server message.
// ID is the composite of account, folder and UID.
type Message struct {
	ID          string       `json:"id"`
	AccountID   string       `json:"account_id"`
	FolderID    string       `json:"folder_id"`
	UID         uint32       `json:"uid"`
	UIDValidity uint32       `json:"uid_validity"`
	MessageID   string       `json:"message_id"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	ThreadID    string       `json:"thread_id"`
	Subject     string       `json:"subject"`
	From        []string     `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc"`
	Bcc         []string     `json:"bcc"`
	SentAt      *time.Time   `json:"sent_at"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Flags       Flags        `json:"flags"`
}

// Attachment describes one attached or inline part of a message.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}

// SyncMode selects how much of a folder a sync pass fetches.
type SyncMode string

const (
	SyncModeFull   SyncMode = "full"
	SyncModeRecent SyncMode = "recent"
	SyncModeNew    SyncMode = "new"
)

// ParseSyncMode returns the mode for s, defaulting to recent.
func ParseSyncMode(s string) (SyncMode, bool) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(s))) {
	case SyncModeFull:
		return SyncModeFull, true
	case SyncModeNew:
		return SyncModeNew, true
	case SyncModeRecent, "":
		return SyncModeRecent, true
	}
	return SyncModeRecent, false
}

// SyncResult is the outcome of one sync pass.
type SyncResult struct {
	Mode     SyncMode     `json:"mode"`
	Messages []*Message   `json:"messages"`
	Folder   FolderStatus `json:"folder"`
}

// MessageKey builds the composite id of a message.
func MessageKey(accountID, folderID string, uid uint32) string {
	return fmt.Sprintf("%s|%s|%d", accountID, folderID, uid)
}
