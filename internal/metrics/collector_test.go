package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_CountsAndExposition(t *testing.T) {
	c := New()
	c.WebhookEvent("processed")
	c.WebhookEvent("processed")
	c.WebhookEvent("ignored_inbox")
	c.MessageStored(true)
	c.MessageStored(false)
	c.Notification("sent")
	c.ObserveNotify(30 * time.Millisecond)
	c.SetConnections(3)
	c.Delivery(false)

	if got := testutil.ToFloat64(c.webhookEvents.WithLabelValues("processed")); got != 2 {
		t.Errorf("processed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.connections); got != 3 {
		t.Errorf("connections = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`inboxrelay_webhook_events_total{outcome="ignored_inbox"} 1`,
		`inboxrelay_messages_stored_total{result="created"} 1`,
		`inboxrelay_relay_deliveries_total{result="dropped"} 1`,
		"inboxrelay_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.WebhookEvent("processed")
	c.MessageStored(true)
	c.Notification("failed")
	c.ObserveNotify(time.Second)
	c.RateLimited()
	c.SetConnections(1)
	c.SetRooms(1)
	c.Broadcast()
	c.Delivery(true)
	if c.Uptime() != 0 {
		t.Error("nil collector uptime should be zero")
	}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil collector handler should 404, got %d", rec.Code)
	}
}
