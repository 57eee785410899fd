// Package metrics holds the Prometheus collectors shared by the ingestion
// server and the relay. Every process builds its own Collector with a private
// registry; all methods are safe on a nil *Collector so components can run
// without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxrelay"

// Collector aggregates the application's counters, gauges and histograms.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	webhookEvents  *prometheus.CounterVec
	messagesStored *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	notifyLatency  prometheus.Histogram
	rateLimited    prometheus.Counter

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	broadcasts  prometheus.Counter
	deliveries  *prometheus.CounterVec
}

// New creates a collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Message upserts by result (created or duplicate).",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Relay notifications by result.",
		}, []string{"result"}),
		notifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notify_latency_seconds",
			Help:      "Latency of relay notification requests in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Current live stream connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_rooms",
			Help:      "Current rooms with at least one member.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_broadcasts_total",
			Help:      "Messages accepted for broadcast.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Per-client frame deliveries by result (queued or dropped).",
		}, []string{"result"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		uptime,
		c.webhookEvents,
		c.messagesStored,
		c.notifications,
		c.notifyLatency,
		c.rateLimited,
		c.connections,
		c.rooms,
		c.broadcasts,
		c.deliveries,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler renders the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

// WebhookEvent counts one webhook delivery with the given outcome.
func (c *Collector) WebhookEvent(outcome string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(outcome).Inc()
}

// MessageStored counts a message upsert.
func (c *Collector) MessageStored(created bool) {
	if c == nil {
		return
	}
	result := "duplicate"
	if created {
		result = "created"
	}
	c.messagesStored.WithLabelValues(result).Inc()
}

// Notification counts a relay notification result: sent, failed or dropped.
func (c *Collector) Notification(result string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(result).Inc()
}

// ObserveNotify records the duration of one relay request.
func (c *Collector) ObserveNotify(d time.Duration) {
	if c == nil {
		return
	}
	c.notifyLatency.Observe(d.Seconds())
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// SetConnections sets the live connection gauge.
func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.connections.Set(float64(n))
}

// SetRooms sets the active room gauge.
func (c *Collector) SetRooms(n int) {
	if c == nil {
		return
	}
	c.rooms.Set(float64(n))
}

func (c *Collector) Broadcast() {
	if c == nil {
		return
	}
	c.broadcasts.Inc()
}

// Delivery counts one frame handed to a client queue, or dropped because
// the queue was full.
func (c *Collector) Delivery(queued bool) {
	if c == nil {
		return
	}
	result := "dropped"
	if queued {
		result = "queued"
	}
	c.deliveries.WithLabelValues(result).Inc()
}
