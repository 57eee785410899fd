// Package ingest classifies provider webhook events and turns accepted ones
// into synchronized records plus a live notification.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/entity"
	"inboxrelay/internal/metrics"
)

// ErrMalformed marks payloads that cannot be ingested.
var ErrMalformed = fmt.Errorf("malformed payload: %w", domain.ErrInvalidInput)

// Outcome classifies the result of one ingestion.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
)

// Reasons attached to ignored outcomes.
const (
	ReasonIgnoredEvent = "ignored_event"
	ReasonIgnoredInbox = "ignored_inbox"
)

// Result describes what Ingest did with an event.
type Result struct {
	Outcome Outcome
	Reason  string
	Created bool
	Message *domain.CanonicalMessage
}

// Synchronizer persists one event's records.
type Synchronizer interface {
	Sync(ctx context.Context, env entity.Envelope) (entity.Synced, error)
}

// Notifier wakes up live viewers. It must not block the caller for long and
// never reports failure.
type Notifier interface {
	Notify(ctx context.Context, msg domain.CanonicalMessage)
}

// Config configures an Ingestor.
type Config struct {
	Synchronizer Synchronizer
	Notifier     Notifier
	// AllowedInboxes lists the inbox ids this deployment accepts. Empty
	// accepts every inbox.
	AllowedInboxes []string
	// EventType overrides the accepted event name (default message_created).
	EventType    string
	HeaderParser HeaderParser
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// Ingestor is the webhook processing pipeline.
type Ingestor struct {
	sync      Synchronizer
	notifier  Notifier
	allowed   map[string]struct{}
	eventType string
	parser    HeaderParser
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New creates an Ingestor.
func New(cfg Config) (*Ingestor, error) {
	if cfg.Synchronizer == nil {
		return nil, errors.New("ingest: synchronizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventType == "" {
		cfg.EventType = EventMessageCreated
	}
	if cfg.HeaderParser == nil {
		cfg.HeaderParser = GroupHeaderParser{}
	}
	var allowed map[string]struct{}
	for _, id := range cfg.AllowedInboxes {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if allowed == nil {
			allowed = make(map[string]struct{})
		}
		allowed[id] = struct{}{}
	}
	if allowed == nil {
		cfg.Logger.Warn("inbox allow-list is empty, accepting events from every inbox")
	}
	return &Ingestor{
		sync:      cfg.Synchronizer,
		notifier:  cfg.Notifier,
		allowed:   allowed,
		eventType: cfg.EventType,
		parser:    cfg.HeaderParser,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

// Accepts reports whether events from inboxID pass the allow-list.
func (i *Ingestor) Accepts(inboxID string) bool {
	if i.allowed == nil {
		return true
	}
	_, ok := i.allowed[inboxID]
	return ok
}

// Parse decodes a webhook body. Only the event name is read from events of
// another type, so their remaining fields may take any shape.
func (i *Ingestor) Parse(body []byte) (*Event, error) {
	name, err := peekEventName(body)
	if err != nil {
		return nil, err
	}
	if name != i.eventType {
		return &Event{Event: name}, nil
	}
	return ParseEvent(body)
}

// Ingest runs one event through the pipeline. Ignored events return a nil
// error. Malformed events return an error wrapping ErrMalformed; storage
// failures are returned as-is.
func (i *Ingestor) Ingest(ctx context.Context, ev *Event) (Result, error) {
	res, err := i.ingest(ctx, ev)
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		i.metrics.WebhookEvent(string(OutcomeRejected))
	case err != nil:
		i.metrics.WebhookEvent("error")
	case res.Outcome == OutcomeIgnored:
		i.metrics.WebhookEvent(res.Reason)
	default:
		i.metrics.WebhookEvent(string(res.Outcome))
	}
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, ev *Event) (Result, error) {
	if ev == nil {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: empty event", ErrMalformed)
	}
	if ev.Event != i.eventType {
		i.logger.Debug("event ignored", "event", ev.Event)
		return Result{Outcome: OutcomeIgnored, Reason: ReasonIgnoredEvent}, nil
	}

	inboxID := ev.InboxID()
	if !i.Accepts(inboxID) {
		i.logger.Info("inbox not allowed, event ignored", "inbox_id", inboxID)
		return Result{Outcome: OutcomeIgnored, Reason: ReasonIgnoredInbox}, nil
	}

	env, err := i.envelope(ev, inboxID)
	if err != nil {
		i.logger.Warn("webhook payload rejected", "err", err)
		return Result{Outcome: OutcomeRejected}, err
	}

	synced, err := i.sync.Sync(ctx, env)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return Result{Outcome: OutcomeRejected}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		i.logger.Error("sync failed",
			"conversation", env.ConversationExternalID,
			"message", env.MessageExternalID,
			"err", err,
		)
		return Result{}, fmt.Errorf("sync event %s: %w", env.MessageExternalID, err)
	}

	msg := synced.Canonical()
	if i.notifier != nil {
		i.notifier.Notify(ctx, msg)
	}

	i.logger.Info("webhook processed",
		"inbox_id", inboxID,
		"conversation", env.ConversationExternalID,
		"message_id", msg.ID,
		"sender", msg.Sender,
		"created", synced.Created,
	)
	return Result{Outcome: OutcomeProcessed, Created: synced.Created, Message: &msg}, nil
}

// envelope validates the event and derives the fields to persist.
func (i *Ingestor) envelope(ev *Event, inboxID string) (entity.Envelope, error) {
	if ev.Sender == nil || ev.Sender.ID == "" {
		return entity.Envelope{}, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	if ev.Conversation == nil || ev.Conversation.ID == "" {
		return entity.Envelope{}, fmt.Errorf("%w: missing conversation", ErrMalformed)
	}
	if ev.ID == "" {
		return entity.Envelope{}, fmt.Errorf("%w: missing message id", ErrMalformed)
	}

	role := ev.MessageType.Role()
	content := ev.Content
	senderName := ev.Sender.Name
	var senderPhone, groupName, groupExternalID string

	if role == domain.SenderUser {
		if h, ok := i.parser.Parse(content); ok {
			content = h.Body
			senderName = h.Name
			senderPhone = h.Phone
			// The contact Chatwoot reports is the group itself.
			groupName = ev.Sender.Name
			groupExternalID = ev.Sender.Identifier
			if groupExternalID == "" {
				groupExternalID = ev.Sender.ID.String()
			}
		}
	}

	return entity.Envelope{
		ContactExternalID: ev.Sender.ID.String(),
		Contact: entity.ContactFields{
			Name:   ev.Sender.Name,
			Email:  ev.Sender.Email,
			Avatar: ev.Sender.AvatarURL(),
		},
		ConversationExternalID: ev.Conversation.ID.String(),
		Conversation: entity.ConversationFields{
			InboxID:         inboxID,
			UnreadCount:     ev.Conversation.UnreadCount,
			LastMessageAt:   ev.CreatedAt.Time,
			Status:          ev.Conversation.Status,
			GroupName:       groupName,
			GroupExternalID: groupExternalID,
		},
		MessageExternalID: ev.ID.String(),
		Message: entity.MessageFields{
			Content:     content,
			Sender:      role,
			SenderName:  senderName,
			SenderPhone: senderPhone,
			CreatedAt:   ev.CreatedAt.Time,
		},
	}, nil
}
