package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

var errBoom = errors.New("boom")

// fakeConn serves one folder from memory. Its zero value is an empty folder.
type fakeConn struct {
	mu sync.Mutex

	condStore   bool
	uidValidity uint32
	highestMod  uint64
	messages    map[uint32]*models.RawMessage
	nextUID     uint32

	examineErr error
	statusErr  error
	fetchErr   error
	uidsErr    error

	pushes  chan []models.Push
	waitErr chan error

	examined   int
	fetches    []string
	loggedOut  int
	loggedOutC chan struct{}
}

func newFakeConn(uidValidity uint32) *fakeConn {
	return &fakeConn{
		uidValidity: uidValidity,
		messages:    make(map[uint32]*models.RawMessage),
		nextUID:     1,
		pushes:      make(chan []models.Push, 8),
		waitErr:     make(chan error, 1),
		loggedOutC:  make(chan struct{}),
	}
}

// add appends a message with the next UID and returns it.
func (c *fakeConn) add(raw models.RawMessage) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw.UID = c.nextUID
	c.nextUID++
	c.messages[raw.UID] = &raw
	return raw.UID
}

func (c *fakeConn) fetchLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fetches...)
}

func (c *fakeConn) SupportsCondStore() bool {
	return c.condStore
}

func (c *fakeConn) counters() *models.FolderStatus {
	status := &models.FolderStatus{
		UIDValidity:   c.uidValidity,
		UIDNext:       c.nextUID,
		HighestModSeq: c.highestMod,
		Exists:        uint32(len(c.messages)),
	}
	for _, msg := range c.messages {
		if !NormalizeFlags(msg.Flags).Seen {
			status.Unseen++
		}
	}
	return status
}

func (c *fakeConn) Examine(_ context.Context, _ string) (*models.FolderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.examined++
	if c.examineErr != nil {
		return nil, c.examineErr
	}
	return c.counters(), nil
}

func (c *fakeConn) Status(_ context.Context, _ string) (*models.FolderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statusErr != nil {
		return nil, c.statusErr
	}
	return c.counters(), nil
}

func (c *fakeConn) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(c.messages))
	for uid := range c.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (c *fakeConn) UIDs(_ context.Context) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uidsErr != nil {
		return nil, c.uidsErr
	}
	return c.sortedUIDs(), nil
}

func (c *fakeConn) collect(match func(*models.RawMessage) bool) []*models.RawMessage {
	result := make([]*models.RawMessage, 0)
	for _, uid := range c.sortedUIDs() {
		msg := c.messages[uid]
		if match(msg) {
			cp := *msg
			result = append(result, &cp)
		}
	}
	return result
}

func (c *fakeConn) FetchUIDRange(_ context.Context, from, to uint32) ([]*models.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches = append(c.fetches, fmt.Sprintf("uid %d:%d", from, to))
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.collect(func(m *models.RawMessage) bool {
		return m.UID >= from && (to == 0 || m.UID <= to)
	}), nil
}

func (c *fakeConn) FetchSince(_ context.Context, since time.Time) ([]*models.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches = append(c.fetches, "since")
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.collect(func(m *models.RawMessage) bool {
		return !m.InternalDate.Before(since)
	}), nil
}

func (c *fakeConn) FetchChangedSince(_ context.Context, from uint32, modSeq uint64) ([]*models.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fetches = append(c.fetches, fmt.Sprintf("changed %d:* since %d", from, modSeq))
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.collect(func(m *models.RawMessage) bool {
		return m.UID >= from && m.ModSeq > modSeq
	}), nil
}

func (c *fakeConn) Wait(ctx context.Context, timeout time.Duration) ([]models.Push, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pushes := <-c.pushes:
		return pushes, nil
	case err := <-c.waitErr:
		return nil, err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loggedOut++
	if c.loggedOut == 1 {
		close(c.loggedOutC)
	}
	return nil
}

func (c *fakeConn) logoutCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// fakeStates is an in-memory StateStore.
type fakeStates struct {
	mu     sync.Mutex
	states map[string]models.MailboxState
	puts   int
	getErr error
	putErr error
}

func newFakeStates() *fakeStates {
	return &fakeStates{states: make(map[string]models.MailboxState)}
}

func (s *fakeStates) Get(_ context.Context, accountID, folderID string) (*models.MailboxState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}
	state, ok := s.states[accountID+"|"+folderID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *fakeStates) Put(_ context.Context, state *models.MailboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.states[state.AccountID+"|"+state.FolderID] = *state
	return nil
}

func (s *fakeStates) Delete(_ context.Context, accountID, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, accountID+"|"+folderID)
	return nil
}

func (s *fakeStates) set(state models.MailboxState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.AccountID+"|"+state.FolderID] = state
}

func (s *fakeStates) get(accountID, folderID string) (models.MailboxState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[accountID+"|"+folderID]
	return state, ok
}

// fakeMessages is an in-memory MessageStore.
type fakeMessages struct {
	mu        sync.Mutex
	messages  map[string]*models.Message // MessageKey -> message
	upserts   int
	fullSyncs int
	deleted   []uint32
	flags     map[uint32]models.Flags

	upsertErr error
	lookupErr error
	deleteErr error
	flagsErr  error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		messages: make(map[string]*models.Message),
		flags:    make(map[uint32]models.Flags),
	}
}

func (s *fakeMessages) LookupThreadIDs(_ context.Context, accountID string, messageIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	result := make(map[string]string)
	for _, msg := range s.messages {
		if msg.AccountID == accountID && wanted[msg.MessageID] {
			result[msg.MessageID] = msg.ThreadID
		}
	}
	return result, nil
}

func (s *fakeMessages) GetLatestUID(_ context.Context, accountID, folderID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest uint32
	for _, msg := range s.messages {
		if msg.AccountID == accountID && msg.FolderID == folderID && msg.UID > latest {
			latest = msg.UID
		}
	}
	return latest, nil
}

func (s *fakeMessages) UpsertMessages(_ context.Context, accountID, folderID string, messages []*models.Message, isFullReplace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	if isFullReplace {
		s.fullSyncs++
		for key, msg := range s.messages {
			if msg.AccountID == accountID && msg.FolderID == folderID {
				delete(s.messages, key)
			}
		}
	}
	for _, msg := range messages {
		cp := *msg
		s.messages[msg.ID] = &cp
	}
	return nil
}

func (s *fakeMessages) DeleteMessage(_ context.Context, accountID, folderID string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, uid)
	delete(s.messages, models.MessageKey(accountID, folderID, uid))
	return nil
}

func (s *fakeMessages) UpdateFlags(_ context.Context, _, _ string, uid uint32, flags models.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flagsErr != nil {
		return s.flagsErr
	}
	s.flags[uid] = flags
	return nil
}

func (s *fakeMessages) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeMessages) store(msgs ...*models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		cp := *msg
		s.messages[msg.ID] = &cp
	}
}

// recorded is one published event.
type recorded struct {
	event string
	data  any
}

// fakePublisher records events in order.
type fakePublisher struct {
	mu      sync.Mutex
	events  []recorded
	err     error
	done    chan struct{}
	notify  chan recorded
	closeMu sync.Once
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		done:   make(chan struct{}),
		notify: make(chan recorded, 64),
	}
}

func (p *fakePublisher) Publish(event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	r := recorded{event: event, data: data}
	p.events = append(p.events, r)
	select {
	case p.notify <- r:
	default:
	}
	return nil
}

func (p *fakePublisher) Done() <-chan struct{} {
	return p.done
}

func (p *fakePublisher) close() {
	p.closeMu.Do(func() { close(p.done) })
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.events))
	for i, e := range p.events {
		names[i] = e.event
	}
	return names
}

func (p *fakePublisher) byName(event string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []any
	for _, e := range p.events {
		if e.event == event {
			result = append(result, e.data)
		}
	}
	return result
}

// fakeDialer hands out connections from conns, keyed by dial order.
type fakeDialer struct {
	mu    sync.Mutex
	dial  func(n int) (Conn, error)
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, _ *models.Account) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	return d.dial(n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAccounts struct {
	accounts map[string]*models.Account
	err      error
}

func (a *fakeAccounts) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	if a.err != nil {
		return nil, a.err
	}
	account, ok := a.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	return account, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	folders []models.Folder
	err     error
	lists   int
}

func (d *fakeDirectory) ListFolders(_ context.Context, _ *models.Account) ([]models.Folder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lists++
	if d.err != nil {
		return nil, d.err
	}
	return append([]models.Folder(nil), d.folders...), nil
}

func (d *fakeDirectory) set(folders []models.Folder, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.folders = folders
	d.err = err
}

func (d *fakeDirectory) listCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lists
}

// fakeBroadcaster records account-wide events.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recorded
}

func (b *fakeBroadcaster) Broadcast(_, event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recorded{event: event, data: data})
}

func testAccount() *models.Account {
	return &models.Account{ID: "acc", IMAPServerHostname: "imap.example.com:993", IMAPUsername: "u", IMAPPassword: "p"}
}

func testFolder(path string) models.Folder {
	return models.Folder{ID: models.FolderID("acc", path), AccountID: "acc", Name: path, Path: path}
}
