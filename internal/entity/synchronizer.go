// Package entity is the only write path into the store. It turns the fields
// of one external event into idempotent Contact, Conversation and Message
// upserts keyed by the provider's external ids.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"

	"github.com/google/uuid"
)

// DefaultStatus is the conversation status used when neither the provider
// nor the configuration supplies one.
const DefaultStatus = "open"

// Config configures a Synchronizer.
type Config struct {
	Store         domain.Store
	DefaultStatus string
	Metrics       *metrics.Collector
	Logger        *slog.Logger
	Now           func() time.Time
}

// Synchronizer performs the idempotent upserts.
type Synchronizer struct {
	store         domain.Store
	defaultStatus string
	metrics       *metrics.Collector
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

// ContactFields are the mutable attributes of a contact.
type ContactFields struct {
	Name   string
	Email  string
	Avatar string
}

// ConversationFields are written on every sighting of a conversation, except
// InboxID which only fills an empty value.
type ConversationFields struct {
	ContactID       string
	InboxID         string
	UnreadCount     *int // nil means the provider sent none
	LastMessageAt   time.Time
	Status          string
	GroupName       string
	GroupExternalID string
}

// MessageFields describe a message on first sighting. They are ignored when
// the external id already exists.
type MessageFields struct {
	ConversationID string
	Content        string
	Sender         domain.SenderRole
	SenderName     string
	SenderPhone    string
	CreatedAt      time.Time
}

// Envelope is everything Sync needs to persist one event. ContactID and
// ConversationID inside the nested fields are filled in by Sync.
type Envelope struct {
	ContactExternalID      string
	Contact                ContactFields
	ConversationExternalID string
	Conversation           ConversationFields
	MessageExternalID      string
	Message                MessageFields
}

// Synced is the result of a successful Sync.
type Synced struct {
	Contact      domain.Contact
	Conversation domain.Conversation
	Message      domain.Message
	Created      bool
}

// New creates a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("entity: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	status := strings.TrimSpace(cfg.DefaultStatus)
	if status == "" {
		status = DefaultStatus
	}
	return &Synchronizer{
		store:         cfg.Store,
		defaultStatus: status,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           cfg.Now,
		newID:         uuid.NewString,
	}, nil
}

// UpsertContact creates the contact on first sighting of externalID and
// refreshes its name, email and avatar afterwards.
func (s *Synchronizer) UpsertContact(ctx context.Context, externalID string, f ContactFields) (domain.Contact, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Contact{}, fmt.Errorf("contact external id: %w", domain.ErrInvalidInput)
	}
	return s.store.UpsertContact(ctx, domain.ContactUpsert{
		ID:         s.newID(),
		ExternalID: externalID,
		Name:       f.Name,
		Email:      f.Email,
		Avatar:     f.Avatar,
		Now:        s.now(),
	})
}

// UpsertConversation creates or refreshes the conversation keyed by externalID.
func (s *Synchronizer) UpsertConversation(ctx context.Context, externalID string, f ConversationFields) (domain.Conversation, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation external id: %w", domain.ErrInvalidInput)
	}
	if f.ContactID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation %s without contact: %w", externalID, domain.ErrInvalidInput)
	}
	unread := 1
	if f.UnreadCount != nil {
		unread = *f.UnreadCount
	}
	status := strings.TrimSpace(f.Status)
	if status == "" {
		status = s.defaultStatus
	}
	now := s.now()
	lastAt := f.LastMessageAt
	if lastAt.IsZero() {
		lastAt = now
	}
	return s.store.UpsertConversation(ctx, domain.ConversationUpsert{
		ID:              s.newID(),
		ExternalID:      externalID,
		ContactID:       f.ContactID,
		InboxID:         strings.TrimSpace(f.InboxID),
		UnreadCount:     unread,
		LastMessageAt:   lastAt,
		Status:          status,
		GroupName:       f.GroupName,
		GroupExternalID: f.GroupExternalID,
		Now:             now,
	})
}

// UpsertMessage stores the message once. A repeated externalID returns the
// stored row unchanged with created=false.
func (s *Synchronizer) UpsertMessage(ctx context.Context, externalID string, f MessageFields) (domain.Message, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Message{}, false, fmt.Errorf("message external id: %w", domain.ErrInvalidInput)
	}
	if f.ConversationID == "" {
		return domain.Message{}, false, fmt.Errorf("message %s without conversation: %w", externalID, domain.ErrInvalidInput)
	}
	sender := f.Sender
	if sender == "" {
		sender = domain.SenderBot
	}
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	msg, created, err := s.store.InsertMessage(ctx, domain.MessageInsert{
		ID:             s.newID(),
		ExternalID:     externalID,
		ConversationID: f.ConversationID,
		Content:        f.Content,
		Sender:         sender,
		SenderName:     f.SenderName,
		SenderPhone:    f.SenderPhone,
		CreatedAt:      createdAt,
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	s.metrics.MessageStored(created)
	if !created {
		s.logger.Debug("duplicate message delivery", "external_id", externalID, "id", msg.ID)
	}
	return msg, created, nil
}

// Sync persists contact, conversation and message in that order.
func (s *Synchronizer) Sync(ctx context.Context, env Envelope) (Synced, error) {
	contact, err := s.UpsertContact(ctx, env.ContactExternalID, env.Contact)
	if err != nil {
		return Synced{}, err
	}

	convFields := env.Conversation
	convFields.ContactID = contact.ID
	if convFields.LastMessageAt.IsZero() {
		convFields.LastMessageAt = env.Message.CreatedAt
	}
	conv, err := s.UpsertConversation(ctx, env.ConversationExternalID, convFields)
	if err != nil {
		return Synced{}, err
	}

	msgFields := env.Message
	msgFields.ConversationID = conv.ID
	msg, created, err := s.UpsertMessage(ctx, env.MessageExternalID, msgFields)
	if err != nil {
		return Synced{}, err
	}

	s.logger.Debug("event synced",
		"conversation", conv.ExternalID,
		"inbox_id", conv.InboxID,
		"message_id", msg.ID,
		"created", created,
	)
	return Synced{Contact: contact, Conversation: conv, Message: msg, Created: created}, nil
}

// MarkRead flips the read flag of a message. The flag never goes back.
func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) (domain.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Message{}, fmt.Errorf("message id: %w", domain.ErrInvalidInput)
	}
	return s.store.MarkMessageRead(ctx, messageID)
}

// Canonical builds the provider-independent message sent to live viewers.
func (r Synced) Canonical() domain.CanonicalMessage {
	return Canonical(r.Contact, r.Conversation, r.Message)
}

// Canonical assembles a CanonicalMessage from stored records. The
// conversation is identified by its external id, which is also its relay room.
func Canonical(contact domain.Contact, conv domain.Conversation, msg domain.Message) domain.CanonicalMessage {
	cm := domain.CanonicalMessage{
		ID:             domain.FlexID(msg.ID),
		ExternalID:     domain.FlexID(msg.ExternalID),
		Content:        msg.Content,
		Sender:         msg.Sender,
		SenderName:     msg.SenderName,
		SenderPhone:    msg.SenderPhone,
		ConversationID: domain.FlexID(conv.ExternalID),
		InboxID:        domain.FlexID(conv.InboxID),
		GroupName:      conv.GroupName,
		IsRead:         msg.IsRead,
		CreatedAt:      msg.CreatedAt,
	}
	if contact.ID != "" {
		cm.Contact = &domain.ContactRef{ID: contact.ID, Name: contact.Name}
	}
	return cm
}
