// Package reconcile merges a fetched history baseline with the live relay
// stream into one deduplicated, ordered view for a single subscriber.
//
// The relay delivers at least once per room membership, so a subscriber in
// both the inbox room and a conversation room sees every message twice. The
// Reconciler is where those duplicates collapse.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"inboxrelay/internal/domain"
)

// Group is one conversation's messages in arrival order. LastAt is the
// timestamp of the last message to arrive, which is not necessarily the
// latest timestamp in the group.
type Group struct {
	ConversationID string
	Pinned         bool
	Contact        *domain.ContactRef
	GroupName      string
	Messages       []domain.CanonicalMessage
	LastAt         time.Time
	Unread         int
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	mu       sync.RWMutex
	inboxID  string
	messages []domain.CanonicalMessage
	byID     map[string]int
	byExt    map[string]int
}

// New creates a reconciler for the selected inbox. An empty inbox accepts
// every message.
func New(inboxID string) *Reconciler {
	return &Reconciler{
		inboxID: inboxID,
		byID:    make(map[string]int),
		byExt:   make(map[string]int),
	}
}

// InboxID returns the selected inbox.
func (r *Reconciler) InboxID() string {
	return r.inboxID
}

// Accepts reports whether a live message belongs to the selected inbox.
// Messages without an inbox are accepted.
func (r *Reconciler) Accepts(msg domain.CanonicalMessage) bool {
	if r.inboxID == "" || msg.InboxID == "" {
		return true
	}
	return msg.InboxID.String() == r.inboxID
}

// Reset replaces the view with a fetched baseline, dropping duplicates
// inside it.
func (r *Reconciler) Reset(initial []domain.CanonicalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = make([]domain.CanonicalMessage, 0, len(initial))
	r.byID = make(map[string]int, len(initial))
	r.byExt = make(map[string]int, len(initial))
	for _, m := range initial {
		r.appendLocked(m)
	}
}

// Add appends a live message unless one with the same id or external id is
// already present. It reports whether the message was appended.
func (r *Reconciler) Add(msg domain.CanonicalMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(msg)
}

func (r *Reconciler) appendLocked(msg domain.CanonicalMessage) bool {
	id, ext := msg.ID.String(), msg.ExternalID.String()
	if _, ok := r.byID[id]; ok && id != "" {
		return false
	}
	if _, ok := r.byExt[ext]; ok && ext != "" {
		return false
	}
	idx := len(r.messages)
	r.messages = append(r.messages, msg)
	if id != "" {
		r.byID[id] = idx
	}
	if ext != "" {
		r.byExt[ext] = idx
	}
	return true
}

// MarkRead flips the read flag of the message with the given local id.
func (r *Reconciler) MarkRead(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[id]
	if !ok {
		return false
	}
	r.messages[idx].IsRead = true
	return true
}

// Len returns the number of distinct messages held.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Messages returns a copy of the view in arrival order.
func (r *Reconciler) Messages() []domain.CanonicalMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CanonicalMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// ConversationIDs returns each conversation id once, in first-seen order.
func (r *Reconciler) ConversationIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for _, m := range r.messages {
		id := m.ConversationID.String()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Conversations groups messages by conversation. Pinned conversations come
// first, then the rest by the timestamp of their last arrived message, newest
// first. Ties keep first-seen order.
func (r *Reconciler) Conversations(pinned map[string]bool) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index := make(map[string]int)
	var groups []Group
	for _, m := range r.messages {
		id := m.ConversationID.String()
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, Group{ConversationID: id, Pinned: pinned[id]})
		}
		g := &groups[i]
		g.Messages = append(g.Messages, m)
		g.LastAt = m.CreatedAt
		if m.Contact != nil {
			g.Contact = m.Contact
		}
		if m.GroupName != "" {
			g.GroupName = m.GroupName
		}
		if !m.IsRead && m.Sender == domain.SenderUser {
			g.Unread++
		}
	}

	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Pinned != groups[b].Pinned {
			return groups[a].Pinned
		}
		return groups[a].LastAt.After(groups[b].LastAt)
	})
	return groups
}

// DailyTotal counts messages created on now's calendar day, in now's
// location.
func (r *Reconciler) DailyTotal(now time.Time) int {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 1)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages {
		t := m.CreatedAt.In(now.Location())
		if !t.Before(start) && t.Before(end) {
			n++
		}
	}
	return n
}
