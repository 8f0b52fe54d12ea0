package mailsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/vdavid/vmail/mailsync/internal/models"
)

// ThreadResolver assigns thread ids to a batch of normalized messages.
//
// A message inherits the thread of its in-batch In-Reply-To ancestor, walking
// to the top of the chain. For the top of a chain the thread is, in order:
// the persisted thread of its In-Reply-To parent, the thread anchored at its
// first reference, its own persisted thread, or its own Message-ID.
// The result does not depend on the order of the batch.
type ThreadResolver struct {
	lookup ThreadLookup
}

// NewThreadResolver creates a resolver. lookup may be nil when nothing is persisted.
func NewThreadResolver(lookup ThreadLookup) *ThreadResolver {
	return &ThreadResolver{lookup: lookup}
}

// Resolve sets ThreadID on every message of batch.
func (r *ThreadResolver) Resolve(ctx context.Context, accountID string, batch []*models.Message) error {
	if len(batch) == 0 {
		return nil
	}

	ordered := make([]*models.Message, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return earlier(ordered[i], ordered[j])
	})

	// Ordered ascending, so the first message seen for an id is its canonical one.
	byID := make(map[string]*models.Message, len(ordered))
	for _, msg := range ordered {
		if _, ok := byID[msg.MessageID]; !ok {
			byID[msg.MessageID] = msg
		}
	}

	b := &threadBatch{
		byID:      byID,
		tops:      make(map[*models.Message]*models.Message, len(ordered)),
		threads:   make(map[*models.Message]string, len(ordered)),
		resolving: make(map[*models.Message]bool),
	}

	var tops []*models.Message
	seenTop := make(map[*models.Message]bool)
	for _, msg := range ordered {
		top := b.top(msg)
		if !seenTop[top] {
			seenTop[top] = true
			tops = append(tops, top)
		}
	}

	persisted, err := r.lookupPersisted(ctx, accountID, tops)
	if err != nil {
		return err
	}
	b.persisted = persisted

	for _, top := range tops {
		b.thread(top)
	}
	for _, msg := range ordered {
		msg.ThreadID = b.threads[b.top(msg)]
	}

	return nil
}

func (r *ThreadResolver) lookupPersisted(ctx context.Context, accountID string, tops []*models.Message) (map[string]string, error) {
	if r.lookup == nil {
		return map[string]string{}, nil
	}

	keys := make(map[string]bool)
	for _, top := range tops {
		for _, id := range []string{top.InReplyTo, top.MessageID} {
			if id != "" {
				keys[id] = true
			}
		}
		if len(top.References) > 0 {
			keys[top.References[0]] = true
		}
	}

	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	persisted, err := r.lookup.LookupThreadIDs(ctx, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up persisted threads: %w", err)
	}
	if persisted == nil {
		persisted = map[string]string{}
	}
	return persisted, nil
}

type threadBatch struct {
	byID      map[string]*models.Message
	persisted map[string]string
	tops      map[*models.Message]*models.Message
	threads   map[*models.Message]string
	resolving map[*models.Message]bool
}

// top walks In-Reply-To links inside the batch. On a cycle the earliest
// member of the cycle is the top.
func (b *threadBatch) top(msg *models.Message) *models.Message {
	if top, ok := b.tops[msg]; ok {
		return top
	}

	path := []*models.Message{msg}
	index := map[*models.Message]int{msg: 0}
	cur := msg
	top := msg
	for {
		parent, ok := b.byID[cur.InReplyTo]
		if cur.InReplyTo == "" || !ok || parent == cur {
			top = cur
			break
		}
		if i, seen := index[parent]; seen {
			top = earliestOf(path[i:])
			break
		}
		index[parent] = len(path)
		path = append(path, parent)
		cur = parent
	}

	b.tops[msg] = top
	return top
}

// thread resolves the thread id of a chain top.
func (b *threadBatch) thread(top *models.Message) string {
	if id, ok := b.threads[top]; ok {
		return id
	}

	b.resolving[top] = true
	id := b.anchor(top)
	delete(b.resolving, top)

	b.threads[top] = id
	return id
}

func (b *threadBatch) anchor(top *models.Message) string {
	if top.InReplyTo != "" {
		if _, inBatch := b.byID[top.InReplyTo]; !inBatch {
			if id, ok := b.persisted[top.InReplyTo]; ok {
				return id
			}
		}
	}

	if len(top.References) > 0 {
		ref := top.References[0]
		if anchored, ok := b.byID[ref]; ok {
			if refTop := b.top(anchored); refTop != top && !b.resolving[refTop] {
				return b.thread(refTop)
			}
		}
		if id, ok := b.persisted[ref]; ok {
			return id
		}
		return ref
	}

	if id, ok := b.persisted[top.MessageID]; ok {
		return id
	}
	return top.MessageID
}

// earlier orders by date (undated last), then UID, then id.
func earlier(a, b *models.Message) bool {
	aAt, aOK := sentAtOrZero(a)
	bAt, bOK := sentAtOrZero(b)
	if aOK != bOK {
		return aOK
	}
	if aOK && !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	if a.UID != b.UID {
		return a.UID < b.UID
	}
	return a.ID < b.ID
}

func earliestOf(messages []*models.Message) *models.Message {
	best := messages[0]
	for _, msg := range messages[1:] {
		if earlier(msg, best) {
			best = msg
		}
	}
	return best
}
