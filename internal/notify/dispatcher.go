// Package notify delivers canonical messages to the relay in the background.
// Delivery is a wake-up signal for live viewers, not the source of truth, so
// failures are logged and counted but never surfaced to the ingestion path.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"inboxrelay/internal/domain"
	"inboxrelay/internal/metrics"
)

const (
	defaultQueueSize      = 256
	defaultWorkers        = 2
	defaultEnqueueTimeout = 100 * time.Millisecond
)

// Emitter sends one message to the relay.
type Emitter interface {
	Emit(ctx context.Context, msg domain.CanonicalMessage) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Emitter        Emitter
	QueueSize      int
	Workers        int
	EnqueueTimeout time.Duration
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

// Dispatcher is a bounded queue drained by a fixed set of workers.
type Dispatcher struct {
	emitter        Emitter
	queue          chan domain.CanonicalMessage
	enqueueTimeout time.Duration
	metrics        *metrics.Collector
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the workers.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Emitter == nil {
		return nil, errors.New("notify: emitter is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		emitter:        cfg.Emitter,
		queue:          make(chan domain.CanonicalMessage, cfg.QueueSize),
		enqueueTimeout: cfg.EnqueueTimeout,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d, nil
}

// Notify queues msg for delivery. It waits at most the enqueue timeout when
// the queue is full, then drops the message.
func (d *Dispatcher) Notify(ctx context.Context, msg domain.CanonicalMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("notification after dispatcher close", "message_id", msg.ID)
		d.metrics.Notification("dropped")
		return
	}

	select {
	case d.queue <- msg:
		return
	default:
	}

	timer := time.NewTimer(d.enqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- msg:
	case <-timer.C:
		d.logger.Error("notification dropped: queue full",
			"message_id", msg.ID,
			"conversation", msg.ConversationID,
		)
		d.metrics.Notification("dropped")
	case <-ctx.Done():
		d.logger.Warn("notification dropped: request cancelled", "message_id", msg.ID)
		d.metrics.Notification("dropped")
	}
}

// Pending reports the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for msg := range d.queue {
		if d.ctx.Err() != nil {
			d.metrics.Notification("dropped")
			continue
		}
		start := time.Now()
		err := d.emitter.Emit(d.ctx, msg)
		d.metrics.ObserveNotify(time.Since(start))
		if err != nil {
			d.logger.Warn("relay notification failed",
				"worker", n,
				"message_id", msg.ID,
				"conversation", msg.ConversationID,
				"err", err,
			)
			d.metrics.Notification("failed")
			continue
		}
		d.metrics.Notification("sent")
	}
}

// Close stops accepting notifications and drains the queue. If ctx expires
// first, in-flight requests are cancelled and the remaining messages are
// discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
