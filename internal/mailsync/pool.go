package mailsync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// Opener connects and examines a folder for a new session.
type Opener func(ctx context.Context, folder models.Folder) (Conn, *models.FolderStatus, error)

// Pool holds at most one live session per folder for one stream.
// Sessions for the inbox and the active folder are never evicted.
type Pool struct {
	ctx  context.Context
	open Opener
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	maxIdle  int
	inboxID  string
	activeID string
}

// NewPool creates a pool whose sessions live no longer than ctx.
func NewPool(ctx context.Context, maxIdle int, inboxID string, open Opener) *Pool {
	return &Pool{
		ctx:      ctx,
		open:     open,
		now:      time.Now,
		sessions: make(map[string]*Session),
		maxIdle:  maxIdle,
		inboxID:  inboxID,
	}
}

// Open returns the folder's session, creating it when missing. created reports
// whether a new session was opened and kept. Opening an existing session only
// touches it. When a full pool has nothing else to evict, the new session is
// closed at once and created is false, leaving the folder to polling.
func (p *Pool) Open(ctx context.Context, folder models.Folder) (session *Session, created bool, err error) {
	if s := p.touchExisting(folder.ID); s != nil {
		return s, false, nil
	}

	// Dial outside the lock; another caller may win the race.
	conn, status, err := p.open(ctx, folder)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open session for %s: %w", folder.ID, err)
	}

	p.mu.Lock()
	if s, ok := p.sessions[folder.ID]; ok {
		s.touch(p.now())
		p.mu.Unlock()
		go func() {
			_ = conn.Logout()
		}()
		return s, false, nil
	}

	if p.ctx.Err() != nil {
		p.mu.Unlock()
		_ = conn.Logout()
		return nil, false, ErrSessionClosed
	}

	s := newSession(p.ctx, folder, conn, status.UIDNext, p.now())
	p.sessions[folder.ID] = s
	evicted := p.evictLocked()
	p.mu.Unlock()

	if evicted == s {
		log.Printf("SessionPool: no room for %s, polling instead", folder.ID)
		s.shutdown()
		return s, false, nil
	}
	if evicted != nil {
		log.Printf("SessionPool: evicted session for %s", evicted.folder.ID)
		evicted.shutdown()
	}

	return s, true, nil
}

func (p *Pool) touchExisting(folderID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[folderID]
	if !ok {
		return nil
	}
	s.touch(p.now())
	return s
}

// Touch marks the folder's session as recently used.
func (p *Pool) Touch(folderID string) {
	p.touchExisting(folderID)
}

// Close closes the folder's session. It reports whether a session existed.
func (p *Pool) Close(folderID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[folderID]
	if ok {
		delete(p.sessions, folderID)
	}
	p.mu.Unlock()

	if ok {
		s.shutdown()
	}
	return ok
}

// remove drops s if it is still the folder's session.
func (p *Pool) remove(s *Session) {
	p.mu.Lock()
	current, ok := p.sessions[s.folder.ID]
	if ok && current == s {
		delete(p.sessions, s.folder.ID)
	}
	p.mu.Unlock()

	s.shutdown()
}

// EnforceCapacity closes the least recently used non-priority session when the
// pool holds more than maxIdle sessions. It closes at most one session and
// returns it.
func (p *Pool) EnforceCapacity() *Session {
	p.mu.Lock()
	evicted := p.evictLocked()
	p.mu.Unlock()

	if evicted != nil {
		log.Printf("SessionPool: evicted session for %s", evicted.folder.ID)
		evicted.shutdown()
	}
	return evicted
}

func (p *Pool) evictLocked() *Session {
	if p.maxIdle <= 0 || len(p.sessions) <= p.maxIdle {
		return nil
	}

	var victim *Session
	var victimUsed time.Time
	for id, s := range p.sessions {
		if p.isPriorityLocked(id) {
			continue
		}
		used := s.LastUsedAt()
		if victim == nil || used.Before(victimUsed) || (used.Equal(victimUsed) && id < victim.folder.ID) {
			victim = s
			victimUsed = used
		}
	}

	if victim != nil {
		delete(p.sessions, victim.folder.ID)
	}
	return victim
}

// SetActive designates the active folder, which is never evicted.
func (p *Pool) SetActive(folderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeID = folderID
}

// IsPriority reports whether the folder's session is exempt from eviction.
func (p *Pool) IsPriority(folderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPriorityLocked(folderID)
}

func (p *Pool) isPriorityLocked(folderID string) bool {
	return folderID == p.inboxID || (p.activeID != "" && folderID == p.activeID)
}

// Get returns the folder's session or nil.
func (p *Pool) Get(folderID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[folderID]
}

// Len returns the number of open sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// FolderIDs returns the folders with an open session, sorted.
func (p *Pool) FolderIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every session.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}
