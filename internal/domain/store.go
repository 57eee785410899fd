package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Store is the durable relational store. Every upsert is a single atomic
// statement keyed on the external id's unique constraint.
type Store interface {
	UpsertContact(ctx context.Context, in ContactUpsert) (Contact, error)
	UpsertConversation(ctx context.Context, in ConversationUpsert) (Conversation, error)
	// InsertMessage creates the message once. If the external id already
	// exists the stored row is returned untouched and created is false.
	InsertMessage(ctx context.Context, in MessageInsert) (msg Message, created bool, err error)
	MarkMessageRead(ctx context.Context, id string) (Message, error)

	ListMessages(ctx context.Context, filter MessageFilter) ([]CanonicalMessage, error)
	CountMessagesSince(ctx context.Context, inboxID string, since time.Time) (int, error)
	CountConversations(ctx context.Context, inboxID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// ContactUpsert carries the fields written by Store.UpsertContact. ID is only
// used when the row is created.
type ContactUpsert struct {
	ID         string
	ExternalID string
	Name       string
	Email      string
	Avatar     string
	Now        time.Time
}

// ConversationUpsert carries the fields written by Store.UpsertConversation.
type ConversationUpsert struct {
	ID              string
	ExternalID      string
	ContactID       string
	InboxID         string
	UnreadCount     int
	LastMessageAt   time.Time
	Status          string
	GroupName       string
	GroupExternalID string
	Now             time.Time
}

// MessageInsert carries the fields of a message to create.
type MessageInsert struct {
	ID             string
	ExternalID     string
	ConversationID string
	Content        string
	Sender         SenderRole
	SenderName     string
	SenderPhone    string
	CreatedAt      time.Time
}

// MessageFilter selects messages for the history query.
// Limit keeps the newest messages; Descending only changes the order they
// are returned in.
type MessageFilter struct {
	InboxID    string
	Limit      int
	Descending bool
}
