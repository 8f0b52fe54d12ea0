package imap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/vmail/mailsync/internal/models"
)

const (
	// idleFallbackInterval is the NOOP polling interval for servers without IDLE.
	idleFallbackInterval = 30 * time.Second
	// updatesBuffer is the size of the channel the client writes unsolicited responses to.
	updatesBuffer = 32
)

// Conn is an authenticated IMAP connection bound to at most one selected mailbox.
// Commands are serialized; unsolicited server responses are queued as typed pushes
// and handed out by Wait.
type Conn struct {
	mu        sync.Mutex
	client    *client.Client
	idle      *idle.Client
	condStore bool

	updates chan client.Update

	queueMu sync.Mutex
	queue   []models.Push
	signal  chan struct{}

	logoutOnce sync.Once
	logoutErr  error
}

// Dial connects, authenticates and starts collecting unsolicited updates.
func Dial(ctx context.Context, server, username, password string, useTLS bool) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := ConnectToIMAP(server, useTLS)
	if err != nil {
		return nil, err
	}

	if err := Login(c, username, password); err != nil {
		_ = c.Logout()
		return nil, err
	}

	condStore, err := c.Support("CONDSTORE")
	if err != nil {
		_ = c.Logout()
		return nil, wrapErr(c, "read capabilities", err)
	}

	conn := newConn(c, condStore)
	go conn.pump()
	return conn, nil
}

func newConn(c *client.Client, condStore bool) *Conn {
	conn := &Conn{
		client:    c,
		idle:      idle.NewClient(c),
		condStore: condStore,
		updates:   make(chan client.Update, updatesBuffer),
		signal:    make(chan struct{}, 1),
	}
	c.Updates = conn.updates
	return conn
}

// SupportsCondStore reports whether the server advertised CONDSTORE.
func (c *Conn) SupportsCondStore() bool {
	return c.condStore
}

// Examine opens path read-only and returns its current counters.
func (c *Conn) Examine(ctx context.Context, path string) (*models.FolderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mbox, err := c.client.Select(path, true)
	if err != nil {
		return nil, wrapErr(c.client, fmt.Sprintf("examine %s", path), err)
	}

	status, err := c.status(path)
	if err != nil {
		return nil, err
	}

	// SELECT is authoritative for the epoch and the message count.
	status.UIDValidity = mbox.UidValidity
	status.Exists = mbox.Messages
	if mbox.UidNext > 0 {
		status.UIDNext = mbox.UidNext
	}
	return status, nil
}

// Status runs STATUS on path without changing the selected mailbox.
func (c *Conn) Status(ctx context.Context, path string) (*models.FolderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status(path)
}

func (c *Conn) status(path string) (*models.FolderStatus, error) {
	items := []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusUidNext,
		imap.StatusUidValidity,
		imap.StatusUnseen,
	}
	if c.condStore {
		items = append(items, statusHighestModSeq)
	}

	mbox, err := c.client.Status(path, items)
	if err != nil {
		return nil, wrapErr(c.client, fmt.Sprintf("get status of %s", path), err)
	}

	return &models.FolderStatus{
		UIDValidity:   mbox.UidValidity,
		UIDNext:       mbox.UidNext,
		HighestModSeq: highestModSeq(mbox),
		Exists:        mbox.Messages,
		Unseen:        mbox.Unseen,
	}, nil
}

// UIDs returns the UIDs of the selected mailbox in sequence-number order,
// so UIDs()[seq-1] is the UID of message seq.
func (c *Conn) UIDs(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mbox := c.client.Mailbox()
	if mbox == nil {
		return nil, fmt.Errorf("failed to list UIDs: no mailbox selected")
	}
	if mbox.Messages == 0 {
		return []uint32{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.client.Fetch(seqSet, []imap.FetchItem{imap.FetchUid}, messages)
	}()

	bySeq := make(map[uint32]uint32)
	var maxSeq uint32
	for msg := range messages {
		bySeq[msg.SeqNum] = msg.Uid
		if msg.SeqNum > maxSeq {
			maxSeq = msg.SeqNum
		}
	}

	if err := <-done; err != nil {
		return nil, wrapErr(c.client, "list UIDs", err)
	}

	uids := make([]uint32, maxSeq)
	for seq, uid := range bySeq {
		uids[seq-1] = uid
	}
	return uids, nil
}

// Wait blocks until the server pushes a change, timeout elapses or ctx is done.
// It uses IDLE when available and falls back to NOOP polling otherwise.
// Pushes queued before the call are returned immediately.
func (c *Conn) Wait(ctx context.Context, timeout time.Duration) ([]models.Push, error) {
	select {
	case <-c.signal:
	default:
	}
	if pushes := c.drain(); len(pushes) > 0 {
		return pushes, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.idle.IdleWithFallback(stop, idleFallbackInterval)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ctxDone := ctx.Done()
	timerC := timer.C
	signal := c.signal
	stopped := false
	halt := func() {
		if !stopped {
			close(stop)
			stopped = true
		}
		ctxDone, timerC, signal = nil, nil, nil
	}

	for {
		select {
		case <-ctxDone:
			halt()
		case <-timerC:
			halt()
		case <-signal:
			halt()
		case err := <-done:
			if ctx.Err() != nil {
				return c.drain(), ctx.Err()
			}
			if err != nil {
				return nil, wrapErr(c.client, "wait for updates", err)
			}
			return c.drain(), nil
		}
	}
}

// ListFolders lists the account's selectable mailboxes.
func (c *Conn) ListFolders(ctx context.Context, accountID string) ([]models.Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return ListFolders(c.client, accountID)
}

// Logout ends the session. Safe to call more than once.
func (c *Conn) Logout() error {
	c.logoutOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.client.State() == imap.LogoutState {
			return
		}
		if err := c.client.Logout(); err != nil {
			c.logoutErr = fmt.Errorf("failed to logout: %w", err)
		}
	})
	return c.logoutErr
}

// pump moves unsolicited updates from the client into the push queue so the
// client's reader never blocks on a slow consumer.
func (c *Conn) pump() {
	for {
		select {
		case update := <-c.updates:
			if push, ok := toPush(update); ok {
				c.enqueue(push)
			}
		case <-c.client.LoggedOut():
			return
		}
	}
}

func (c *Conn) enqueue(push models.Push) {
	c.queueMu.Lock()
	c.queue = append(c.queue, push)
	c.queueMu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Conn) drain() []models.Push {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	pushes := c.queue
	c.queue = nil
	return pushes
}

func toPush(update client.Update) (models.Push, bool) {
	switch u := update.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil {
			return models.Push{}, false
		}
		return models.Push{Kind: models.PushExists, Exists: u.Mailbox.Messages}, true
	case *client.ExpungeUpdate:
		return models.Push{Kind: models.PushExpunge, SeqNum: u.SeqNum}, true
	case *client.MessageUpdate:
		if u.Message == nil {
			return models.Push{}, false
		}
		flags := make([]string, len(u.Message.Flags))
		copy(flags, u.Message.Flags)
		return models.Push{
			Kind:   models.PushFlags,
			SeqNum: u.Message.SeqNum,
			UID:    u.Message.Uid,
			Flags:  flags,
		}, true
	case *client.StatusUpdate:
		return models.Push{}, false
	default:
		log.Printf("IMAP IDLE: ignoring unexpected update %T", update)
		return models.Push{}, false
	}
}
