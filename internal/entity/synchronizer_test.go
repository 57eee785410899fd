package entity

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testSynchronizer(t *testing.T, defaultStatus string) (*Synchronizer, domain.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "entity.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	s, err := New(Config{Store: st, DefaultStatus: defaultStatus, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return s, st
}

func sampleEnvelope() Envelope {
	return Envelope{
		ContactExternalID:      "77",
		Contact:                ContactFields{Name: "Alice", Email: "alice@example.com"},
		ConversationExternalID: "C1",
		Conversation:           ConversationFields{InboxID: "3"},
		MessageExternalID:      "9001",
		Message: MessageFields{
			Content:   "hello",
			Sender:    domain.SenderUser,
			CreatedAt: time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC),
		},
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestSync_CreatesAllRecords(t *testing.T) {
	s, _ := testSynchronizer(t, "")
	res, err := s.Sync(context.Background(), sampleEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("first sync should create the message")
	}
	if res.Conversation.ContactID != res.Contact.ID {
		t.Error("conversation must reference the contact")
	}
	if res.Message.ConversationID != res.Conversation.ID {
		t.Error("message must reference the conversation")
	}
	if res.Conversation.Status != DefaultStatus {
		t.Errorf("status default: got %q", res.Conversation.Status)
	}
	if res.Conversation.UnreadCount != 1 {
		t.Errorf("unread default: got %d", res.Conversation.UnreadCount)
	}
	if !res.Conversation.LastMessageAt.Equal(res.Message.CreatedAt) {
		t.Errorf("last message time should follow the message: %v vs %v",
			res.Conversation.LastMessageAt, res.Message.CreatedAt)
	}

	cm := res.Canonical()
	if cm.ConversationID != "C1" || cm.InboxID != "3" || cm.ID.String() != res.Message.ID {
		t.Errorf("unexpected canonical message: %+v", cm)
	}
	if cm.Contact == nil || cm.Contact.Name != "Alice" {
		t.Errorf("canonical message should embed the contact: %+v", cm.Contact)
	}
}

func TestSync_Idempotent(t *testing.T) {
	s, st := testSynchronizer(t, "")
	ctx := context.Background()

	first, err := s.Sync(ctx, sampleEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	again := sampleEnvelope()
	again.Message.Content = "edited upstream"
	again.Message.Sender = domain.SenderAgent
	again.Message.CreatedAt = again.Message.CreatedAt.Add(time.Hour)
	second, err := s.Sync(ctx, again)
	if err != nil {
		t.Fatal(err)
	}

	if second.Created {
		t.Error("second sync must not create")
	}
	if second.Message.ID != first.Message.ID || second.Contact.ID != first.Contact.ID ||
		second.Conversation.ID != first.Conversation.ID {
		t.Error("local ids must be stable across deliveries")
	}
	if second.Message.Content != "hello" || second.Message.Sender != domain.SenderUser ||
		!second.Message.CreatedAt.Equal(first.Message.CreatedAt) {
		t.Errorf("stored message changed: %+v", second.Message)
	}

	msgs, err := st.ListMessages(ctx, domain.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
	convs, _ := st.CountConversations(ctx, "")
	if convs != 1 {
		t.Errorf("expected 1 conversation, got %d", convs)
	}
}

func TestSync_ConcurrentDuplicates(t *testing.T) {
	s, st := testSynchronizer(t, "")
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	results := make(chan Synced, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Sync(ctx, sampleEnvelope())
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("sync failed: %v", err)
	}

	created := 0
	ids := map[string]bool{}
	for r := range results {
		if r.Created {
			created++
		}
		ids[r.Message.ID] = true
	}
	if created != 1 {
		t.Errorf("expected exactly one creator, got %d", created)
	}
	if len(ids) != 1 {
		t.Errorf("all deliveries must resolve to one message id, got %d", len(ids))
	}
	msgs, _ := st.ListMessages(ctx, domain.MessageFilter{})
	if len(msgs) != 1 {
		t.Errorf("expected one stored message, got %d", len(msgs))
	}
}

func TestUpsertConversation_ConfiguredDefaultsAndInbox(t *testing.T) {
	s, _ := testSynchronizer(t, "pending")
	ctx := context.Background()
	c, err := s.UpsertContact(ctx, "1", ContactFields{Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}

	zero := 0
	conv, err := s.UpsertConversation(ctx, "C9", ConversationFields{ContactID: c.ID, InboxID: "3", UnreadCount: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != "pending" {
		t.Errorf("expected configured default status, got %q", conv.Status)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("explicit unread count must be kept, got %d", conv.UnreadCount)
	}

	moved, err := s.UpsertConversation(ctx, "C9", ConversationFields{ContactID: c.ID, InboxID: "2", Status: "resolved"})
	if err != nil {
		t.Fatal(err)
	}
	if moved.InboxID != "3" {
		t.Errorf("inbox must not change, got %s", moved.InboxID)
	}
	if moved.Status != "resolved" {
		t.Errorf("status should update, got %s", moved.Status)
	}
}

func TestUpsert_InvalidInput(t *testing.T) {
	s, _ := testSynchronizer(t, "")
	ctx := context.Background()

	if _, err := s.UpsertContact(ctx, "  ", ContactFields{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("contact: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.UpsertConversation(ctx, "C1", ConversationFields{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("conversation without contact: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := s.UpsertMessage(ctx, "", MessageFields{ConversationID: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("message: expected ErrInvalidInput, got %v", err)
	}
	env := sampleEnvelope()
	env.MessageExternalID = ""
	if _, err := s.Sync(ctx, env); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("sync: expected ErrInvalidInput, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	s, _ := testSynchronizer(t, "")
	ctx := context.Background()
	res, err := s.Sync(ctx, sampleEnvelope())
	if err != nil {
		t.Fatal(err)
	}

	m, err := s.MarkRead(ctx, res.Message.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsRead {
		t.Error("message should be read")
	}
	if _, err := s.MarkRead(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.MarkRead(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpsertMessage_DefaultsSenderToBot(t *testing.T) {
	s, _ := testSynchronizer(t, "")
	ctx := context.Background()
	res, err := s.Sync(ctx, sampleEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	m, created, err := s.UpsertMessage(ctx, "activity-1", MessageFields{ConversationID: res.Conversation.ID, Content: "assigned"})
	if err != nil {
		t.Fatal(err)
	}
	if !created || m.Sender != domain.SenderBot {
		t.Errorf("unexpected message: created=%v sender=%s", created, m.Sender)
	}
}
