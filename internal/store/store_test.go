package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inboxrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedConversation creates a contact and a conversation and returns the
// conversation's local id.
func seedConversation(t *testing.T, s domain.Store, extConv, inbox string) string {
	t.Helper()
	ctx := context.Background()
	c, err := s.UpsertContact(ctx, domain.ContactUpsert{
		ID: "contact-" + extConv, ExternalID: "ext-contact-" + extConv, Name: "Alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "conv-" + extConv, ExternalID: extConv, ContactID: c.ID, InboxID: inbox,
		UnreadCount: 1, LastMessageAt: time.Now(), Status: "open",
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv.ID
}

func TestUpsertContact_CreateThenUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.UpsertContact(ctx, domain.ContactUpsert{
		ID: "c1", ExternalID: "42", Name: "Alice", Email: "a@example.com", Avatar: "https://img/a.png",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "c1" || first.Name != "Alice" {
		t.Fatalf("unexpected contact: %+v", first)
	}

	second, err := s.UpsertContact(ctx, domain.ContactUpsert{
		ID: "c2", ExternalID: "42", Name: "Alice B", Email: "b@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "c1" {
		t.Errorf("local id must be stable, got %s", second.ID)
	}
	if second.Name != "Alice B" || second.Email != "b@example.com" {
		t.Errorf("name/email should be updated: %+v", second)
	}
	if second.Avatar != "https://img/a.png" {
		t.Errorf("empty avatar must not erase the stored one, got %q", second.Avatar)
	}
}

func TestUpsertConversation_InboxIsImmutable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convID := seedConversation(t, s, "100", "3")

	updated, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "other", ExternalID: "100", ContactID: "contact-100", InboxID: "2",
		UnreadCount: 5, LastMessageAt: time.Now(), Status: "resolved",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != convID {
		t.Errorf("expected stable id %s, got %s", convID, updated.ID)
	}
	if updated.InboxID != "3" {
		t.Errorf("inbox must stay 3, got %s", updated.InboxID)
	}
	if updated.UnreadCount != 5 || updated.Status != "resolved" {
		t.Errorf("counters/status should update: %+v", updated)
	}
}

func TestUpsertConversation_InboxSetWhenEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedConversation(t, s, "101", "")

	updated, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "x", ExternalID: "101", ContactID: "contact-101", InboxID: "2", Status: "open",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.InboxID != "2" {
		t.Errorf("inbox should be set once, got %q", updated.InboxID)
	}
}

func TestUpsertConversation_LastMessageAtNeverGoesBack(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c, _ := s.UpsertContact(ctx, domain.ContactUpsert{ID: "c", ExternalID: "c", Name: "x"})
	later := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if _, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "v", ExternalID: "v", ContactID: c.ID, LastMessageAt: later, Status: "open",
	}); err != nil {
		t.Fatal(err)
	}
	conv, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "v2", ExternalID: "v", ContactID: c.ID, LastMessageAt: earlier, Status: "open",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !conv.LastMessageAt.Equal(later) {
		t.Errorf("expected %v, got %v", later, conv.LastMessageAt)
	}
}

func TestUpsertConversation_GroupFieldsKeptWhenAbsent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c, _ := s.UpsertContact(ctx, domain.ContactUpsert{ID: "c", ExternalID: "c", Name: "Team"})
	if _, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "g", ExternalID: "g", ContactID: c.ID, Status: "open",
		GroupName: "Ops team", GroupExternalID: "120363@g.us",
	}); err != nil {
		t.Fatal(err)
	}
	conv, err := s.UpsertConversation(ctx, domain.ConversationUpsert{
		ID: "g2", ExternalID: "g", ContactID: c.ID, Status: "open",
	})
	if err != nil {
		t.Fatal(err)
	}
	if conv.GroupName != "Ops team" || conv.GroupExternalID != "120363@g.us" {
		t.Errorf("group fields lost: %+v", conv)
	}
}

func TestInsertMessage_Idempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convID := seedConversation(t, s, "200", "3")
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, isNew, err := s.InsertMessage(ctx, domain.MessageInsert{
		ID: "m1", ExternalID: "9001", ConversationID: convID, Content: "hello",
		Sender: domain.SenderUser, SenderName: "Alice", CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("first insert should report created")
	}

	second, isNew, err := s.InsertMessage(ctx, domain.MessageInsert{
		ID: "m2", ExternalID: "9001", ConversationID: convID, Content: "tampered",
		Sender: domain.SenderAgent, SenderName: "Mallory", CreatedAt: created.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Error("duplicate insert must not report created")
	}
	if second.ID != first.ID || second.Content != "hello" || second.Sender != domain.SenderUser ||
		second.SenderName != "Alice" || !second.CreatedAt.Equal(created) {
		t.Errorf("stored message changed on duplicate delivery: %+v", second)
	}

	msgs, err := s.ListMessages(ctx, domain.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message row, got %d", len(msgs))
	}
}

func TestInsertMessage_ConcurrentDuplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convID := seedConversation(t, s, "300", "3")

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := s.InsertMessage(ctx, domain.MessageInsert{
				ID: fmt.Sprintf("m-%d", i), ExternalID: "race", ConversationID: convID,
				Content: fmt.Sprintf("copy %d", i), Sender: domain.SenderUser, CreatedAt: time.Now(),
			})
			if err != nil {
				errs <- err
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert failed: %v", err)
	}
	if createdCount != 1 {
		t.Errorf("expected exactly one creator, got %d", createdCount)
	}
	msgs, _ := s.ListMessages(ctx, domain.MessageFilter{})
	if len(msgs) != 1 {
		t.Errorf("expected 1 row, got %d", len(msgs))
	}
}

func TestMarkMessageRead(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convID := seedConversation(t, s, "400", "3")
	m, _, err := s.InsertMessage(ctx, domain.MessageInsert{
		ID: "m1", ExternalID: "e1", ConversationID: convID, Content: "hi", Sender: domain.SenderUser,
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.IsRead {
		t.Fatal("new messages start unread")
	}

	read, err := s.MarkMessageRead(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !read.IsRead || read.Content != "hi" {
		t.Errorf("unexpected message after mark read: %+v", read)
	}

	// A redelivery does not reset the read flag.
	again, _, err := s.InsertMessage(ctx, domain.MessageInsert{
		ID: "m9", ExternalID: "e1", ConversationID: convID, Content: "hi", Sender: domain.SenderUser,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !again.IsRead {
		t.Error("read flag must be one-way")
	}
}

func TestMarkMessageRead_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.MarkMessageRead(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessages_FilterAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convA := seedConversation(t, s, "A", "3")
	convB := seedConversation(t, s, "B", "2")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	inserts := []domain.MessageInsert{
		{ID: "a2", ExternalID: "a2", ConversationID: convA, Content: "second", Sender: domain.SenderAgent, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a1", ExternalID: "a1", ConversationID: convA, Content: "first", Sender: domain.SenderUser, CreatedAt: base.Add(time.Minute)},
		{ID: "b1", ExternalID: "b1", ConversationID: convB, Content: "other inbox", Sender: domain.SenderUser, CreatedAt: base},
	}
	for _, in := range inserts {
		if _, _, err := s.InsertMessage(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, domain.MessageFilter{InboxID: "3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages for inbox 3, got %d", len(msgs))
	}
	if msgs[0].ID != "a1" || msgs[1].ID != "a2" {
		t.Errorf("expected oldest first, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].ConversationID != "A" || msgs[0].InboxID != "3" {
		t.Errorf("canonical message should carry external conversation id and inbox: %+v", msgs[0])
	}
	if msgs[0].Contact == nil || msgs[0].Contact.Name != "Alice" {
		t.Errorf("expected embedded contact, got %+v", msgs[0].Contact)
	}

	desc, err := s.ListMessages(ctx, domain.MessageFilter{Descending: true, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(desc) != 1 || desc[0].ID != "a2" {
		t.Errorf("expected newest message a2, got %+v", desc)
	}
}

func TestListMessages_LimitKeepsNewest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, "A", "3")
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	total := defaultListLimit + 20
	for i := 1; i <= total; i++ {
		id := fmt.Sprintf("m%03d", i)
		if _, _, err := s.InsertMessage(ctx, domain.MessageInsert{
			ID: id, ExternalID: id, ConversationID: conv, Content: id,
			Sender: domain.SenderUser, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, domain.MessageFilter{InboxID: "3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != defaultListLimit {
		t.Fatalf("expected %d messages, got %d", defaultListLimit, len(msgs))
	}
	if first, last := msgs[0].ID, msgs[len(msgs)-1].ID; first != "m021" || last != domain.FlexID(fmt.Sprintf("m%03d", total)) {
		t.Errorf("expected the newest window m021..m%03d oldest first, got %s..%s", total, first, last)
	}

	small, err := s.ListMessages(ctx, domain.MessageFilter{InboxID: "3", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range small {
		ids = append(ids, m.ID.String())
	}
	want := []string{fmt.Sprintf("m%03d", total-2), fmt.Sprintf("m%03d", total-1), fmt.Sprintf("m%03d", total)}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("limit=3 asc: got %v, want %v", ids, want)
	}
}

func TestCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	convA := seedConversation(t, s, "A", "3")
	seedConversation(t, s, "B", "2")
	now := time.Now().UTC()

	s.InsertMessage(ctx, domain.MessageInsert{ID: "old", ExternalID: "old", ConversationID: convA, Content: "x", Sender: domain.SenderUser, CreatedAt: now.Add(-48 * time.Hour)})
	s.InsertMessage(ctx, domain.MessageInsert{ID: "new", ExternalID: "new", ConversationID: convA, Content: "y", Sender: domain.SenderUser, CreatedAt: now})

	n, err := s.CountMessagesSince(ctx, "3", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 recent message, got %d", n)
	}

	convs, err := s.CountConversations(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if convs != 2 {
		t.Errorf("expected 2 conversations, got %d", convs)
	}
}

func TestUpsert_RejectsEmptyExternalID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, err := s.UpsertContact(ctx, domain.ContactUpsert{ID: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := s.InsertMessage(ctx, domain.MessageInsert{ID: "x", ConversationID: "c"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	got := postgresDialect.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind: %s", got)
	}
	if sqliteDialect.rebind("a = ?") != "a = ?" {
		t.Error("sqlite should keep ? placeholders")
	}
}

func TestInferDriver(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":      "postgres",
		"postgresql://localhost/db":        "postgres",
		"host=localhost dbname=inboxrelay": "postgres",
		"/var/lib/inboxrelay/data.db":      "sqlite",
		"sqlite://data.db":                 "sqlite",
	}
	for dsn, want := range cases {
		if got := InferDriver(dsn); got != want {
			t.Errorf("InferDriver(%q) = %s, want %s", dsn, got, want)
		}
	}
}
