package mailsync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// Session is one live connection watching one folder.
// The pool owns sessions; a live loop borrows the connection while it runs.
type Session struct {
	folder models.Folder
	conn   Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	lastSeenUIDNext uint32
	lastUsedAt      time.Time
	running         bool
	closed          bool

	logoutOnce sync.Once
}

func newSession(parent context.Context, folder models.Folder, conn Conn, uidNext uint32, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		folder:          folder,
		conn:            conn,
		ctx:             ctx,
		cancel:          cancel,
		lastSeenUIDNext: uidNext,
		lastUsedAt:      now,
	}
}

// Folder returns the watched folder.
func (s *Session) Folder() models.Folder {
	return s.folder
}

// Conn returns the session's connection.
func (s *Session) Conn() Conn {
	return s.conn
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// LastSeenUIDNext is the highest uidNext observed on the folder.
func (s *Session) LastSeenUIDNext() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenUIDNext
}

func (s *Session) setLastSeenUIDNext(uidNext uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uidNext > s.lastSeenUIDNext {
		s.lastSeenUIDNext = uidNext
	}
}

// LastUsedAt is when the session was last opened or touched.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = now
}

// begin marks the connection as borrowed by a live loop.
// It returns false when the session is already closed.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.running = true
	return true
}

// end releases the connection borrowed with begin and logs it out.
func (s *Session) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logout()
}

// shutdown cancels the session. A running live loop logs out on its way out;
// otherwise the connection is logged out here.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	running := s.running
	s.mu.Unlock()

	s.cancel()
	if !running {
		s.logout()
	}
}

func (s *Session) logout() {
	s.logoutOnce.Do(func() {
		if err := s.conn.Logout(); err != nil {
			log.Printf("SessionPool: failed to logout from %s: %v", s.folder.ID, err)
		}
	})
}
