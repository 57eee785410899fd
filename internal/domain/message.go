package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// SenderRole identifies who produced a message.
type SenderRole string

const (
	SenderUser  SenderRole = "USER"
	SenderAgent SenderRole = "AGENT"
	SenderBot   SenderRole = "BOT"
)

// Contact is an external identity: a person or a group/channel alias.
type Contact struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Conversation is a thread tied to one contact and one inbox.
type Conversation struct {
	ID              string    `json:"id"`
	ExternalID      string    `json:"externalId"`
	ContactID       string    `json:"contactId"`
	InboxID         string    `json:"inboxId"`
	UnreadCount     int       `json:"unreadCount"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	Status          string    `json:"status"`
	GroupName       string    `json:"groupName,omitempty"`
	GroupExternalID string    `json:"groupExternalId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is the immutable record of one exchanged message. Only IsRead may
// change after the row is created.
type Message struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"externalId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	Sender         SenderRole `json:"sender"`
	SenderName     string     `json:"senderName,omitempty"`
	SenderPhone    string     `json:"senderPhone,omitempty"`
	IsRead         bool       `json:"isRead"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ContactRef is the contact summary embedded in canonical messages.
type ContactRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CanonicalMessage is the provider-independent shape shared by the history
// endpoint, the relay ingestion endpoint and the live stream.
//
// ConversationID carries the conversation's external id, which is also the
// name of its relay room.
type CanonicalMessage struct {
	ID             FlexID      `json:"id" validate:"required"`
	ExternalID     FlexID      `json:"externalId,omitempty"`
	Content        string      `json:"content" validate:"required"`
	Sender         SenderRole  `json:"sender,omitempty"`
	SenderName     string      `json:"senderName,omitempty"`
	SenderPhone    string      `json:"senderPhone,omitempty"`
	ConversationID FlexID      `json:"conversationId" validate:"required"`
	InboxID        FlexID      `json:"inboxId,omitempty"`
	GroupName      string      `json:"groupName,omitempty"`
	Contact        *ContactRef `json:"contact,omitempty"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// FlexID is an identifier that unmarshals from either a JSON string or a JSON
// number. Providers are inconsistent about which one they send.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }
