// Package forwarder delivers job lifecycle events to external HTTP
// sinks (experiment trackers, log aggregators) asynchronously.
// Events are queued in a bounded channel and delivered by a worker
// pool; a full buffer drops the event rather than stalling the job
// pipeline. Delivery is per-host circuit broken.
package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"trainengine/pkg/backoff"
	"trainengine/pkg/circuitbreaker"
	"trainengine/pkg/cloudevent"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("forwarder buffer full, event dropped")

const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultMaxRequeues      = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Envelope is one event bound for a destination.
type Envelope struct {
	Payload     *cloudevent.CloudEvent
	Destination string // sink URL
	SigningKey  string // HMAC key, empty = unsigned
	requeues    int
}

// Config holds forwarder tuning.
type Config struct {
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Stats holds forwarder statistics.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64
	Dropped       int64
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}

// MetricsRecorder is an optional hook for recording delivery metrics.
type MetricsRecorder interface {
	RecordForwarderDelivered(ctx context.Context, durationSeconds float64)
	RecordForwarderFailed(ctx context.Context)
	RecordForwarderDropped(ctx context.Context)
	RecordForwarderQueueSize(ctx context.Context, size int64)
}

// Forwarder is the in-memory async delivery pipeline.
type Forwarder struct {
	queue    chan *Envelope
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a forwarder and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Forwarder {
	cfg = cfg.withDefaults()

	f := &Forwarder{
		queue:  make(chan *Envelope, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		logger:   slog.With("component", "forwarder"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	f.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go f.worker()
	}
	if metrics != nil {
		go f.reportQueueSize()
	}

	f.logger.Info("Forwarder started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return f
}

func (f *Forwarder) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-f.shutdown:
			return
		case <-ticker.C:
			f.metrics.RecordForwarderQueueSize(context.Background(), int64(len(f.queue)))
		}
	}
}

// Forward queues an event for async delivery. Non-blocking.
func (f *Forwarder) Forward(env *Envelope) error {
	if f.closed.Load() {
		return errors.New("forwarder is closed")
	}

	select {
	case f.queue <- env:
		f.queued.Add(1)
		return nil
	default:
		f.dropped.Add(1)
		if f.metrics != nil {
			f.metrics.RecordForwarderDropped(context.Background())
		}
		f.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(env.Destination),
			"type", env.Payload.Type,
		)
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (f *Forwarder) Stats() Stats {
	breakerStats := f.breakers.Stats()
	return Stats{
		QueueDepth:    len(f.queue),
		Queued:        f.queued.Load(),
		Delivered:     f.delivered.Load(),
		Failed:        f.failed.Load(),
		Dropped:       f.dropped.Load(),
		Requeued:      f.requeued.Load(),
		RetriesTotal:  f.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close drains the queue and stops the workers. The context deadline
// bounds how long the drain may take.
func (f *Forwarder) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}

	f.logger.Info("Forwarder shutting down", "queued", len(f.queue))
	close(f.shutdown)

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("Forwarder shutdown complete",
			"delivered", f.delivered.Load(),
			"failed", f.failed.Load(),
			"dropped", f.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		f.logger.Warn("Forwarder shutdown timed out", "remaining", len(f.queue))
		return ctx.Err()
	}
}

func (f *Forwarder) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.shutdown:
			f.drainQueue()
			return
		case env := <-f.queue:
			f.deliver(env)
		}
	}
}

func (f *Forwarder) drainQueue() {
	for {
		select {
		case env := <-f.queue:
			f.deliver(env)
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(env *Envelope) {
	host := extractHost(env.Destination)
	breaker := f.breakers.Get(host)

	if !breaker.Allow() {
		f.requeue(env, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := f.sendWithRetry(ctx, env); err != nil {
		breaker.RecordFailure()
		f.failed.Add(1)
		if f.metrics != nil {
			f.metrics.RecordForwarderFailed(ctx)
		}
		f.logger.Warn("Delivery failed", "destination", host, "type", env.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	f.delivered.Add(1)
	if f.metrics != nil {
		f.metrics.RecordForwarderDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back after the breaker cooldown so the
// destination has time to recover.
func (f *Forwarder) requeue(env *Envelope, host string) {
	if env.requeues >= defaultMaxRequeues {
		f.dropped.Add(1)
		if f.metrics != nil {
			f.metrics.RecordForwarderDropped(context.Background())
		}
		f.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", env.Payload.Type,
			"requeues", env.requeues,
		)
		return
	}

	env.requeues++
	f.requeued.Add(1)

	go func() {
		select {
		case <-f.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case f.queue <- env:
		case <-f.shutdown:
		default:
			f.dropped.Add(1)
			if f.metrics != nil {
				f.metrics.RecordForwarderDropped(context.Background())
			}
			f.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", env.Payload.Type)
		}
	}()
}

func (f *Forwarder) sendWithRetry(ctx context.Context, env *Envelope) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			f.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = f.sender.Send(ctx, env.Destination, env.Payload, env.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
