package reconcile

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"inboxrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func msg(id, ext, conv string, at time.Duration) domain.CanonicalMessage {
	return domain.CanonicalMessage{
		ID:             domain.FlexID(id),
		ExternalID:     domain.FlexID(ext),
		Content:        "hi " + id,
		Sender:         domain.SenderUser,
		ConversationID: domain.FlexID(conv),
		InboxID:        "3",
		CreatedAt:      base.Add(at),
	}
}

func ids(msgs []domain.CanonicalMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID.String()
	}
	return out
}

func TestAdd_DedupByIDAndExternalID(t *testing.T) {
	r := New("3")
	r.Reset([]domain.CanonicalMessage{msg("a", "1", "C1", 0)})

	assert.False(t, r.Add(msg("a", "", "C1", 0)), "same local id")
	assert.False(t, r.Add(msg("z", "1", "C1", 0)), "same external id")
	assert.True(t, r.Add(msg("b", "2", "C1", time.Minute)))
	assert.False(t, r.Add(msg("b", "2", "C1", time.Minute)), "second room delivery")

	assert.Equal(t, []string{"a", "b"}, ids(r.Messages()))
}

func TestReset_ReplacesAndDedups(t *testing.T) {
	r := New("")
	r.Add(msg("old", "9", "C9", 0))
	r.Reset([]domain.CanonicalMessage{
		msg("a", "1", "C1", 0),
		msg("a", "1", "C1", 0),
		msg("b", "2", "C2", time.Second),
	})
	assert.Equal(t, []string{"a", "b"}, ids(r.Messages()))
	assert.True(t, r.Add(msg("old", "9", "C9", 0)), "reset forgets previous view")
	assert.Equal(t, 3, r.Len())
}

func TestAccepts_SelectedInbox(t *testing.T) {
	r := New("3")
	m := msg("a", "1", "C1", 0)
	assert.True(t, r.Accepts(m))
	m.InboxID = "4"
	assert.False(t, r.Accepts(m))
	m.InboxID = ""
	assert.True(t, r.Accepts(m), "messages without inbox are accepted")

	all := New("")
	m.InboxID = "4"
	assert.True(t, all.Accepts(m))
}

func TestMarkRead(t *testing.T) {
	r := New("")
	r.Add(msg("a", "1", "C1", 0))
	assert.True(t, r.MarkRead("a"))
	assert.False(t, r.MarkRead("missing"))
	assert.True(t, r.Messages()[0].IsRead)

	groups := r.Conversations(nil)
	require.Len(t, groups, 1)
	assert.Equal(t, 0, groups[0].Unread)
}

func TestConversations_Ordering(t *testing.T) {
	r := New("")
	r.Reset([]domain.CanonicalMessage{
		msg("a1", "1", "A", 0),
		msg("b1", "2", "B", time.Minute),
		msg("c1", "3", "C", 2*time.Minute),
		msg("a2", "4", "A", 3*time.Minute),
	})

	groups := r.Conversations(nil)
	require.Len(t, groups, 3)
	assert.Equal(t, "A", groups[0].ConversationID, "most recent activity first")
	assert.Equal(t, "C", groups[1].ConversationID)
	assert.Equal(t, "B", groups[2].ConversationID)
	assert.Equal(t, []string{"a1", "a2"}, ids(groups[0].Messages), "arrival order inside a group")
	assert.Equal(t, base.Add(3*time.Minute), groups[0].LastAt)
	assert.Equal(t, 2, groups[0].Unread)

	groups = r.Conversations(map[string]bool{"B": true})
	assert.Equal(t, "B", groups[0].ConversationID, "pinned first")
	assert.True(t, groups[0].Pinned)
	assert.Equal(t, "A", groups[1].ConversationID)
	assert.Equal(t, "C", groups[2].ConversationID)
}

func TestConversations_CarriesContactAndGroup(t *testing.T) {
	r := New("")
	m := msg("a", "1", "C1", 0)
	m.Contact = &domain.ContactRef{ID: "k1", Name: "Ana"}
	m.GroupName = "Ops"
	r.Add(m)

	groups := r.Conversations(nil)
	require.Len(t, groups, 1)
	assert.Equal(t, "Ana", groups[0].Contact.Name)
	assert.Equal(t, "Ops", groups[0].GroupName)
}

func TestConversationIDs_FirstSeenOrder(t *testing.T) {
	r := New("")
	r.Reset([]domain.CanonicalMessage{
		msg("a", "1", "C2", 0),
		msg("b", "2", "C1", 0),
		msg("c", "3", "C2", 0),
	})
	assert.Equal(t, []string{"C2", "C1"}, r.ConversationIDs())
}

func TestDailyTotal(t *testing.T) {
	r := New("")
	r.Reset([]domain.CanonicalMessage{
		msg("y", "1", "C1", -11*time.Hour), // 2025-12-31 23:00
		msg("a", "2", "C1", 0),
		msg("b", "3", "C1", 13*time.Hour),
		msg("t", "4", "C1", 14*time.Hour), // 2026-01-02 00:00
	})
	assert.Equal(t, 2, r.DailyTotal(base))
}

func TestReconciler_Concurrent(t *testing.T) {
	r := New("")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("m%d", i)
				r.Add(msg(id, id, "C1", time.Duration(i)*time.Second))
				r.Conversations(nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestConversations_ArrivalOrderSurvivesClockSkew(t *testing.T) {
	r := New("")
	r.Add(msg("a1", "1", "A", 5*time.Minute))
	r.Add(msg("a2", "2", "A", time.Minute)) // arrives later with an older clock
	r.Add(msg("b1", "3", "B", 2*time.Minute))

	groups := r.Conversations(nil)
	require.Len(t, groups, 2)
	assert.Equal(t, "B", groups[0].ConversationID, "groups sort by their last arrived message")
	assert.Equal(t, "A", groups[1].ConversationID)
	assert.Equal(t, []string{"a1", "a2"}, ids(groups[1].Messages), "messages are never re-sorted")
	assert.Equal(t, base.Add(time.Minute), groups[1].LastAt)
}
