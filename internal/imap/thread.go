package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
)

// threadReferencesCapability is advertised by servers that thread with REFERENCES (RFC 5256).
const threadReferencesCapability = "THREAD=REFERENCES"

// SupportsServerThreads reports whether the server can build REFERENCES threads itself.
func (c *Conn) SupportsServerThreads() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok, err := c.client.Support(threadReferencesCapability)
	if err != nil {
		return false, wrapErr(c.client, "read capabilities", err)
	}
	return ok, nil
}

// ServerThreads runs UID THREAD REFERENCES on the selected mailbox and maps
// every UID to the UID at the root of its thread.
func (c *Conn) ServerThreads(ctx context.Context) (map[uint32]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client.Mailbox() == nil {
		return nil, fmt.Errorf("failed to thread messages: no mailbox selected")
	}

	threads, err := sortthread.NewThreadClient(c.client).UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		return nil, wrapErr(c.client, "run THREAD command", err)
	}
	return threadRoots(threads), nil
}

// threadRoots flattens THREAD trees into UID -> root UID.
func threadRoots(threads []*sortthread.Thread) map[uint32]uint32 {
	roots := make(map[uint32]uint32)

	var walk func(*sortthread.Thread, uint32)
	walk = func(thread *sortthread.Thread, root uint32) {
		if thread == nil {
			return
		}
		if root == 0 {
			root = firstID(thread)
		}
		// A zero id is a placeholder for a missing parent.
		if thread.Id != 0 {
			roots[thread.Id] = root
		}
		for _, child := range thread.Children {
			walk(child, root)
		}
	}

	for _, thread := range threads {
		walk(thread, 0)
	}
	return roots
}

func firstID(thread *sortthread.Thread) uint32 {
	if thread == nil {
		return 0
	}
	if thread.Id != 0 {
		return thread.Id
	}
	for _, child := range thread.Children {
		if id := firstID(child); id != 0 {
			return id
		}
	}
	return 0
}
