package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"inboxrelay/internal/domain"
)

// EventMessageCreated is the only provider event that produces writes.
const EventMessageCreated = "message_created"

// Event is the subset of a Chatwoot webhook body the ingestor reads.
type Event struct {
	Event        string        `json:"event"`
	ID           domain.FlexID `json:"id"`
	Content      string        `json:"content"`
	MessageType  MessageType   `json:"message_type"`
	CreatedAt    Timestamp     `json:"created_at"`
	Inbox        *Inbox        `json:"inbox"`
	Sender       *Sender       `json:"sender"`
	Conversation *Conversation `json:"conversation"`
}

type Inbox struct {
	ID   domain.FlexID `json:"id"`
	Name string        `json:"name"`
}

// Sender is the author of the message: a contact for incoming messages, an
// agent for outgoing ones.
type Sender struct {
	ID          domain.FlexID `json:"id"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Thumbnail   string        `json:"thumbnail"`
	Avatar      string        `json:"avatar"`
	PhoneNumber string        `json:"phone_number"`
	Identifier  string        `json:"identifier"`
	Type        string        `json:"type"`
}

// AvatarURL prefers Chatwoot's thumbnail field.
func (s *Sender) AvatarURL() string {
	if s.Thumbnail != "" {
		return s.Thumbnail
	}
	return s.Avatar
}

type Conversation struct {
	ID          domain.FlexID     `json:"id"`
	InboxID     domain.FlexID     `json:"inbox_id"`
	UnreadCount *int              `json:"unread_count"`
	Status      string            `json:"status"`
	CreatedAt   Timestamp         `json:"created_at"`
	Meta        *ConversationMeta `json:"meta"`
}

type ConversationMeta struct {
	Sender *Sender `json:"sender"`
}

// InboxID resolves the inbox from the top-level inbox object, falling back to
// the conversation's inbox_id.
func (e *Event) InboxID() string {
	if e.Inbox != nil && e.Inbox.ID != "" {
		return e.Inbox.ID.String()
	}
	if e.Conversation != nil {
		return e.Conversation.InboxID.String()
	}
	return ""
}

// ParseEvent decodes a webhook body. Decoding failures wrap ErrMalformed.
func ParseEvent(body []byte) (*Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &ev, nil
}

func peekEventName(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return head.Event, nil
}

// MessageType is Chatwoot's message_type, sent either as a name
// ("incoming") or as its numeric enum value (0).
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageActivity MessageType = "activity"
	MessageTemplate MessageType = "template"
)

var numericMessageTypes = map[int64]MessageType{
	0: MessageIncoming,
	1: MessageOutgoing,
	2: MessageActivity,
	3: MessageTemplate,
}

func (m *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MessageType(strings.ToLower(strings.TrimSpace(s)))
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message_type: %w", err)
	}
	*m = numericMessageTypes[n]
	return nil
}

// Role maps the provider message type to a sender role.
func (m MessageType) Role() domain.SenderRole {
	switch m {
	case MessageIncoming:
		return domain.SenderUser
	case MessageOutgoing:
		return domain.SenderAgent
	default:
		return domain.SenderBot
	}
}

// Timestamp accepts unix seconds, unix milliseconds, numeric strings and
// RFC 3339 strings.
type Timestamp struct {
	time.Time
}

// Values above this are treated as milliseconds.
const millisThreshold = 1e12

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return t.fromNumber(n.String())
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return t.fromNumber(s)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t *Timestamp) fromNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	if f >= millisThreshold {
		t.Time = time.UnixMilli(int64(f)).UTC()
		return nil
	}
	sec := int64(f)
	t.Time = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	return nil
}
