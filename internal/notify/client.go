package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"inboxrelay/internal/domain"
)

const (
	defaultTimeout = 3 * time.Second
	maxErrorBody   = 512
)

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned HTTP %d: %s", e.StatusCode, e.Body)
}

// ClientConfig configures a RelayClient.
type ClientConfig struct {
	BaseURL string
	// Timeout bounds each attempt, connect to last byte.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure. Zero means
	// one attempt only.
	Retries    int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RelayClient talks to the relay's HTTP surface.
type RelayClient struct {
	baseURL string
	timeout time.Duration
	retries int
	client  *http.Client
	logger  *slog.Logger
}

// NewRelayClient validates the base URL and builds a client.
func NewRelayClient(cfg ClientConfig) (*RelayClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid relay url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RelayClient{
		baseURL: base,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}, nil
}

// BaseURL returns the normalized relay URL.
func (c *RelayClient) BaseURL() string { return c.baseURL }

// Emit posts msg to /emit-message.
func (c *RelayClient) Emit(ctx context.Context, msg domain.CanonicalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	resp, err := c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emit-message", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Health is the relay's /health answer.
type Health struct {
	Status      string    `json:"status"`
	Time        time.Time `json:"time"`
	Connections int       `json:"connections"`
	Rooms       int       `json:"rooms"`
	Config      struct {
		Host string `json:"host"`
	} `json:"config"`
}

// Health queries /health.
func (c *RelayClient) Health(ctx context.Context) (Health, error) {
	resp, err := c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	})
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// doWithRetry runs one attempt per policy slot, each bounded by the client
// timeout. Transport errors, 5xx and 429 are retryable; other non-2xx
// answers fail immediately.
func (c *RelayClient) doWithRetry(ctx context.Context, buildReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * 100 * time.Millisecond
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			c.logger.Debug("retrying relay request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.attempt(ctx, buildReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	if c.retries > 0 {
		return nil, fmt.Errorf("relay request failed after %d retries: %w", c.retries, lastErr)
	}
	return nil, lastErr
}

func (c *RelayClient) attempt(ctx context.Context, buildReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := buildReq(attemptCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// cancelOnClose releases the attempt context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// SharedHTTPClient returns a pooled HTTP client for relay calls.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
