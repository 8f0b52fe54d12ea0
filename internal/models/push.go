package models

// PushKind identifies a server-initiated change notification.
type PushKind int

const (
	// PushExists signals that the message count of the selected folder changed.
	PushExists PushKind = iota
	// PushExpunge signals that the message at SeqNum was removed.
	PushExpunge
	// PushFlags signals that the flags of one message changed.
	PushFlags
)

// Push is a typed notification pulled from the transport while waiting.
type Push struct {
	Kind   PushKind
	SeqNum uint32
	UID    uint32 // zero when the server did not include it
	Exists uint32
	Flags  []string
}
