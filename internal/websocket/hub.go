package websocket

import (
	"errors"
	"log"
	"sync"
)

// Hub tracks the publishers of every account so one event can reach all of
// an account's open streams (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	publishers    map[string]map[*Publisher]struct{} // accountID -> set of publishers
	maxPerAccount int
}

// NewHub creates a Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		publishers:    make(map[string]map[*Publisher]struct{}),
		maxPerAccount: maxPerAccount,
	}
}

// Register adds p for the account. It returns false, leaving p untouched,
// when the account already has the maximum number of connections.
func (h *Hub) Register(accountID string, p *Publisher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.publishers[accountID]
	if !ok {
		set = make(map[*Publisher]struct{})
		h.publishers[accountID] = set
	}

	if len(set) >= h.maxPerAccount {
		log.Printf("websocket: account %s exceeded max connections (%d)", accountID, h.maxPerAccount)
		return false
	}

	set[p] = struct{}{}
	return true
}

// Unregister removes p from the account.
func (h *Hub) Unregister(accountID string, p *Publisher) {
	if p == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.publishers[accountID]
	if !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.publishers, accountID)
	}
}

// Broadcast publishes an event to every publisher of the account without
// waiting on any of them. A publisher whose queue is full is closed and
// dropped so its client reconnects.
func (h *Hub) Broadcast(accountID, event string, data any) {
	h.mu.RLock()
	targets := make([]*Publisher, 0, len(h.publishers[accountID]))
	for p := range h.publishers[accountID] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		err := p.TryPublish(event, data)
		if err == nil {
			continue
		}
		log.Printf("websocket: failed to publish %s for account %s: %v", event, accountID, err)
		h.Unregister(accountID, p)
		if errors.Is(err, ErrQueueFull) {
			p.Close()
		}
	}
}

// ActiveConnections returns the number of publishers registered for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.publishers[accountID])
}
