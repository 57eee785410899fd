// Package server is the ingestion process's HTTP surface: the provider
// webhook, the history query used by dashboards, read receipts, daily stats,
// health and metrics.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	"inboxrelay/internal/ingest"
	"inboxrelay/internal/metrics"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultWebhookPath  = "/webhooks/chatwoot"
	signatureHeader     = "X-Signature-256"
)

// Ingestor decodes and processes webhook events.
type Ingestor interface {
	Parse(body []byte) (*ingest.Event, error)
	Ingest(ctx context.Context, ev *ingest.Event) (ingest.Result, error)
}

// ReadMarker flips a message's read flag.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) (domain.Message, error)
}

// Config configures the server.
type Config struct {
	Host           string
	Port           int
	MaxBodyBytes   int64
	RateLimitRPS   float64
	RateLimitBurst int
	// WebhookSecret enables X-Signature-256 verification when set.
	WebhookSecret string
	WebhookPath   string
	MetricsPath   string

	Store    domain.Store
	Ingestor Ingestor
	Marker   ReadMarker
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server serves the ingestion API.
type Server struct {
	cfg     Config
	limiter *limiterPool
	logger  *slog.Logger
	server  *http.Server
}

// New validates cfg and creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Ingestor == nil {
		return nil, errors.New("server: store and ingestor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = defaultWebhookPath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:     cfg,
		limiter: newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  cfg.Logger,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.WebhookPath, s.handleWebhook)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/messages/{id}/read", s.handleMarkRead)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("ingestion server starting", "addr", addr, "webhook", s.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("ingestion server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ingestion server: %w", err)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		s.cfg.Metrics.RateLimited()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			writeError(w, http.StatusUnauthorized, "missing signature")
			return
		}
		if !verifyHMAC(body, s.cfg.WebhookSecret, sig) {
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	ev, err := s.cfg.Ingestor.Parse(body)
	if err != nil {
		s.cfg.Metrics.WebhookEvent(string(ingest.OutcomeRejected))
		s.logger.Warn("webhook body rejected", "err", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := s.cfg.Ingestor.Ingest(r.Context(), ev)
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		writeError(w, http.StatusBadRequest, "invalid payload")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal server error")
	case res.Outcome == ingest.OutcomeIgnored:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": res.Reason})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

var unknownContact = domain.ContactRef{ID: "unknown", Name: "Unknown contact"}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.MessageFilter{InboxID: strings.TrimSpace(q.Get("inboxId"))}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		filter.Descending = true
	default:
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	msgs, err := s.cfg.Store.ListMessages(r.Context(), filter)
	if err != nil {
		s.logger.Error("list messages failed", "inbox_id", filter.InboxID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	for i := range msgs {
		if msgs[i].Contact == nil {
			c := unknownContact
			msgs[i].Contact = &c
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Marker == nil {
		writeError(w, http.StatusNotImplemented, "read receipts disabled")
		return
	}
	msg, err := s.cfg.Marker.MarkRead(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid message id")
	case err != nil:
		s.logger.Error("mark read failed", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	inboxID := strings.TrimSpace(r.URL.Query().Get("inboxId"))
	now := s.cfg.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	today, err := s.cfg.Store.CountMessagesSince(r.Context(), inboxID, startOfDay)
	if err != nil {
		s.logger.Error("count messages failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	convs, err := s.cfg.Store.CountConversations(r.Context(), inboxID)
	if err != nil {
		s.logger.Error("count conversations failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messagesToday": today,
		"conversations": convs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code, storeStatus := "ok", http.StatusOK, "ok"
	if err := s.cfg.Store.Ping(ctx); err != nil {
		status, code, storeStatus = "degraded", http.StatusServiceUnavailable, err.Error()
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"time":   s.cfg.Now().UTC(),
		"store":  storeStatus,
	})
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
