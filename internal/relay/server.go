package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPayloadBytes     = 1 << 20
	maxFrameBytes       = 4 << 10
	writeWait           = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
)

// Config configures the relay server.
type Config struct {
	Host string
	Port int
	// PublicHost is echoed by /health.
	PublicHost string
	// AllowedOrigins restricts browser websocket origins. Empty allows all.
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Server exposes the hub over HTTP: message ingestion, health and the
// websocket live stream.
type Server struct {
	cfg      Config
	hub      *Hub
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
	server   *http.Server
}

// New creates a relay server with its own hub.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = cfg.Host
	}
	s := &Server{
		cfg: cfg,
		hub: NewHub(HubConfig{
			SendBuffer: cfg.SendBuffer,
			Metrics:    cfg.Metrics,
			Logger:     cfg.Logger,
		}),
		validate: validator.New(),
		logger:   cfg.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /emit-message", s.handleEmit)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then disconnects every client and
// shuts down.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("relay server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("relay server shutting down")
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	}
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil || len(body) > maxPayloadBytes {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid payload"})
		return
	}

	var msg domain.CanonicalMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.logger.Debug("emit-message decode failed", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid payload"})
		return
	}
	if err := s.validate.Struct(msg); err != nil {
		s.logger.Debug("emit-message rejected", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid payload"})
		return
	}

	n := s.hub.Broadcast(msg)
	s.logger.Debug("message broadcast",
		"message_id", msg.ID,
		"conversation", msg.ConversationID,
		"inbox_id", msg.InboxID,
		"frames", n,
	)
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients, rooms := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC(),
		"config":      map[string]string{"host": s.cfg.PublicHost},
		"connections": clients,
		"rooms":       rooms,
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := s.hub.Register(uuid.NewString())
	s.logger.Info("websocket client connected", "client_id", c.id, "remote", r.RemoteAddr)

	go s.writePump(conn, c)
	s.readPump(conn, c)
}

// readPump handles join/leave frames until the connection fails, then
// unregisters the client.
func (s *Server) readPump(conn *websocket.Conn, c *Client) {
	defer func() {
		s.hub.Unregister(c)
		conn.Close()
		s.logger.Info("websocket client disconnected", "client_id", c.id)
	}()

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "client_id", c.id, "err", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("invalid websocket frame", "client_id", c.id, "err", err)
			s.reply(c, EventError, "invalid frame")
			continue
		}
		s.handleFrame(c, f)
	}
}

func (s *Server) handleFrame(c *Client, f Frame) {
	var id domain.FlexID
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &id); err != nil {
			s.reply(c, EventError, "invalid room id")
			return
		}
	}
	if id == "" {
		// Empty ids are ignored.
		return
	}

	switch f.Event {
	case EventJoinConversation:
		if !ValidConversationID(id.String()) {
			s.reply(c, EventError, "invalid conversation id")
			return
		}
		if s.hub.Join(c, ConversationRoom(id.String())) {
			s.reply(c, EventJoined, ConversationRoom(id.String()))
		}
	case EventJoinInbox:
		if s.hub.Join(c, InboxRoom(id.String())) {
			s.reply(c, EventJoined, InboxRoom(id.String()))
		}
	case EventLeave:
		s.hub.Leave(c, id.String())
	default:
		s.logger.Debug("unknown websocket event", "client_id", c.id, "event", f.Event)
	}
}

func (s *Server) reply(c *Client, event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return
	}
	c.deliver(frame)
}

// writePump is the only writer on conn. It drains the client's queue and
// keeps the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write failed", "client_id", c.id, "err", err)
				s.hub.Unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(c)
				return
			}
		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
