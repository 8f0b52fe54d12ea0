package imap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/emersion/go-imap"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

// fetchItems returns the items fetched for every synced message.
func (c *Conn) fetchItems() []imap.FetchItem {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}
	if c.condStore {
		items = append(items, fetchModSeq)
	}
	return items
}

// FetchUIDRange fetches messages with from <= UID <= to in the selected mailbox.
// A zero to means "*" (through the last message).
func (c *Conn) FetchUIDRange(ctx context.Context, from, to uint32) ([]*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.collect(func(ch chan *imap.Message) error {
		return c.client.UidFetch(seqSet, c.fetchItems(), ch)
	}, fmt.Sprintf("fetch UIDs %s", seqSet))
}

// FetchSince fetches messages whose internal date is on or after since.
func (c *Conn) FetchSince(ctx context.Context, since time.Time) ([]*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, wrapErr(c.client, "search recent messages", err)
	}
	if len(uids) == 0 {
		return []*models.RawMessage{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	return c.collect(func(ch chan *imap.Message) error {
		return c.client.UidFetch(seqSet, c.fetchItems(), ch)
	}, "fetch recent messages")
}

// FetchChangedSince fetches messages with UID >= from whose mod-sequence is
// greater than modSeq. Requires CONDSTORE.
func (c *Conn) FetchChangedSince(ctx context.Context, from uint32, modSeq uint64) ([]*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.condStore {
		return nil, fmt.Errorf("failed to fetch changes: %w: server does not support CONDSTORE", ErrProtocol)
	}
	if from == 0 {
		from = 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, 0)

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.collect(func(ch chan *imap.Message) error {
		return uidFetchChangedSince(c.client, seqSet, c.fetchItems(), modSeq, ch)
	}, fmt.Sprintf("fetch changes since %d", modSeq))
}

// collect runs fetch and parses every returned message. Messages that fail to
// parse are logged and skipped.
func (c *Conn) collect(fetch func(chan *imap.Message) error, action string) ([]*models.RawMessage, error) {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- fetch(messages)
	}()

	result := make([]*models.RawMessage, 0)
	for msg := range messages {
		raw, err := ParseRawMessage(msg)
		if err != nil {
			log.Printf("Warning: failed to parse message UID %d: %v", msg.Uid, err)
			continue
		}
		result = append(result, raw)
	}

	if err := <-done; err != nil {
		return nil, wrapErr(c.client, action, err)
	}

	return result, nil
}
