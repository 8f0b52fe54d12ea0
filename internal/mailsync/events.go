package mailsync

import "github.com/vdavid/vmail/mailsync/internal/models"

// Event names on the push stream.
const (
	EventFolderUpdate   = "folder:update"
	EventNew            = "new"
	EventFlagsUpdate    = "flags:update"
	EventMessageRemoved = "message:removed"
	EventError          = "error"
)

// NewMessagesEvent carries newly synced messages of one folder.
type NewMessagesEvent struct {
	FolderID string            `json:"folderId"`
	UIDNext  uint32            `json:"uidNext"`
	Messages []*models.Message `json:"messages"`
}

// FlagsEvent is a single message's flag delta.
type FlagsEvent struct {
	FolderID string   `json:"folderId"`
	UID      uint32   `json:"uid"`
	Flags    []string `json:"flags"`
}

// RemovedEvent reports a message that disappeared from a folder.
type RemovedEvent struct {
	FolderID string `json:"folderId"`
	UID      uint32 `json:"uid"`
}

// ErrorEvent is a recoverable stream-level failure.
type ErrorEvent struct {
	Message  string    `json:"message"`
	FolderID string    `json:"folderId,omitempty"`
	Kind     ErrorKind `json:"kind,omitempty"`
}

func errorEvent(folderID string, err error) ErrorEvent {
	return ErrorEvent{Message: err.Error(), FolderID: folderID, Kind: Classify(err)}
}
