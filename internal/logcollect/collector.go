// Package logcollect captures worker output streams, persists them in
// batches, and fans live lines out to subscribers. One collector run
// owns all streams of one job, so log sequence numbers never race.
package logcollect

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"trainengine/internal/backend"
	"trainengine/internal/forwarder"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/pkg/cloudevent"

	"github.com/google/uuid"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second

	// maxLineBytes bounds a single captured line; training logs can
	// carry long progress bars.
	maxLineBytes = 256 * 1024
)

// Config holds collector tuning.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration

	// SinkURL is an optional external log aggregator; batches are
	// forwarded there fire-and-forget.
	SinkURL    string
	SigningKey string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Store is the subset of the job store the collector writes to.
type Store interface {
	AppendLogs(ctx context.Context, jobID, stream string, lines []string) error
}

// Collector persists and broadcasts worker log output.
type Collector struct {
	cfg   Config
	store Store
	hub   *hub.Hub
	fwd   *forwarder.Forwarder
}

// New creates a collector. hub and fwd may be nil.
func New(cfg Config, store Store, h *hub.Hub, fwd *forwarder.Forwarder) *Collector {
	return &Collector{cfg: cfg.withDefaults(), store: store, hub: h, fwd: fwd}
}

// Collect consumes all streams until EOF or ctx cancellation. It
// closes the stream readers and returns once every stream is drained;
// the caller runs it in a goroutine for the lifetime of the worker.
func (c *Collector) Collect(ctx context.Context, jobID, sessionID string, streams []backend.LogStream) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			defer s.R.Close()
			return c.collectStream(ctx, jobID, sessionID, s)
		})
	}
	return g.Wait()
}

func (c *Collector) collectStream(ctx context.Context, jobID, sessionID string, s backend.LogStream) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.R)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]string, 0, c.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.flush(jobID, sessionID, s.Stream, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		case line, ok := <-lines:
			if !ok {
				flush()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			batch = append(batch, line)
			if len(batch) >= c.cfg.BatchSize {
				flush()
			}
		}
	}
}

// flush writes a batch durably, then broadcasts it. The store write
// uses its own context so shutdown does not lose captured lines.
func (c *Collector) flush(jobID, sessionID, stream string, batch []string) {
	lines := make([]string, len(batch))
	copy(lines, batch)

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.AppendLogs(writeCtx, jobID, stream, lines); err != nil {
		slog.Warn("Failed to persist log batch", "jobId", jobID, "stream", stream, "lines", len(lines), "error", err)
	}

	if c.hub != nil {
		c.hub.Publish(job.LogEvent(jobID, sessionID, stream, lines))
	}
	if c.fwd != nil && c.cfg.SinkURL != "" {
		ev := cloudevent.New("ai.train.job.log", "/trainengine", jobID, uuid.NewString(), map[string]any{
			"jobId":  jobID,
			"stream": stream,
			"lines":  lines,
		})
		// Best effort; a full buffer is already logged by the forwarder.
		_ = c.fwd.Forward(&forwarder.Envelope{
			Payload:     ev,
			Destination: c.cfg.SinkURL,
			SigningKey:  c.cfg.SigningKey,
		})
	}
}
