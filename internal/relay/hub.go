// Package relay fans canonical messages out to live viewers. Viewers join
// conversation rooms and inbox rooms; a broadcast reaches every member of the
// message's conversation room and of its inbox room, once per membership.
// Subscribers must tolerate duplicates. Inbox rooms are named "inbox_<id>",
// so conversation ids carrying that prefix are refused.
package relay

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"
)

const defaultSendBuffer = 64

// Frame events.
const (
	EventJoinConversation = "join_conversation"
	EventJoinInbox        = "join_inbox"
	EventLeave            = "leave"
	EventNewMessage       = "new_message"
	EventJoined           = "joined"
	EventError            = "error"
)

// Frame is the JSON envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConversationRoom names the room of one conversation.
func ConversationRoom(conversationID string) string { return conversationID }

const inboxRoomPrefix = "inbox_"

// InboxRoom names the room of one inbox.
func InboxRoom(inboxID string) string { return inboxRoomPrefix + inboxID }

// ValidConversationID reports whether id can name a conversation room
// without colliding with an inbox room.
func ValidConversationID(id string) bool {
	return id != "" && !strings.HasPrefix(id, inboxRoomPrefix)
}

// EncodeFrame marshals an outgoing frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, data})
}

// HubConfig configures a Hub.
type HubConfig struct {
	// SendBuffer is the per-client queue length. A client whose queue is full
	// when a broadcast arrives is disconnected.
	SendBuffer int
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Hub tracks clients and room membership. The lock is held only to change
// membership or snapshot a room; delivery goes through per-client queues.
type Hub struct {
	sendBuffer int
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		sendBuffer: cfg.SendBuffer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client with the given id and returns it.
func (h *Hub) Register(id string) *Client {
	c := &Client{
		id:    id,
		send:  make(chan []byte, h.sendBuffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnections(n)
	h.logger.Debug("client registered", "client_id", id)
	return c
}

// Join adds c to room. Joining a room twice is a no-op. It reports false
// for an empty room name or a disconnected client.
func (h *Hub) Join(c *Client, room string) bool {
	if room == "" || room == InboxRoom("") {
		return false
	}
	h.mu.Lock()
	if c.isClosed() {
		h.mu.Unlock()
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	h.logger.Debug("client joined room", "client_id", c.id, "room", room)
	return true
}

// Leave removes c from room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	h.removeLocked(c, room)
	rooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.SetRooms(rooms)
}

func (h *Hub) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Unregister drops every membership of c and stops its writer. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	clients, rooms := len(h.clients), len(h.rooms)
	h.mu.Unlock()

	c.close()
	h.metrics.SetConnections(clients)
	h.metrics.SetRooms(rooms)
}

// Broadcast delivers msg to its conversation room and, when the message
// carries an inbox id, to that inbox room. It returns the number of frames
// queued. Clients with full queues are disconnected.
func (h *Hub) Broadcast(msg domain.CanonicalMessage) int {
	frame, err := EncodeFrame(EventNewMessage, msg)
	if err != nil {
		h.logger.Error("encode broadcast", "err", err)
		return 0
	}
	h.metrics.Broadcast()

	var rooms []string
	if conv := msg.ConversationID.String(); ValidConversationID(conv) {
		rooms = append(rooms, ConversationRoom(conv))
	}
	if msg.InboxID != "" {
		rooms = append(rooms, InboxRoom(msg.InboxID.String()))
	}

	var targets []*Client
	h.mu.RLock()
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	queued := 0
	for _, c := range targets {
		if c.deliver(frame) {
			queued++
			h.metrics.Delivery(true)
			continue
		}
		h.metrics.Delivery(false)
		if !c.isClosed() {
			h.logger.Warn("slow consumer disconnected", "client_id", c.id)
			h.Unregister(c)
		}
	}
	return queued
}

// Stats returns the number of connected clients and non-empty rooms.
func (h *Hub) Stats() (clients, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.rooms)
}

// Members returns the number of clients in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

// Client is one live connection's queue and room set. Rooms are guarded by
// the hub's lock.
type Client struct {
	id    string
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	rooms map[string]struct{}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Frames is the client's outgoing queue, drained by its writer.
func (c *Client) Frames() <-chan []byte { return c.send }

// Done is closed when the client is unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

// deliver queues frame without blocking.
func (c *Client) deliver(frame []byte) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
