// Package supervisor owns the job lifecycle: it accepts submissions,
// drives the pending -> starting -> running path, consumes backend
// monitor streams, and reconciles every path to a terminal state
// exactly once.
//
// Terminal states are first-writer-wins. A worker completion callback,
// a backend monitor observation, and a cancel request can all race;
// the store's version guard serializes them and whichever lands first
// decides the outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"trainengine/internal/apperrors"
	"trainengine/internal/backend"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/internal/logcollect"
	"trainengine/internal/observability"
	"trainengine/internal/store"
	"trainengine/internal/tracker"
	"trainengine/pkg/backoff"
)

const (
	defaultStartAttempts     = 3
	defaultMonitorErrorLimit = 5
)

// errAlreadyTerminal aborts a mutation that lost the terminal race.
var errAlreadyTerminal = errors.New("record already terminal")

// Config holds supervisor tuning.
type Config struct {
	// CallbackBaseURL is prefixed to build per-job callback URLs when
	// the submission does not carry one.
	CallbackBaseURL string
	// StartAttempts bounds launch retries before the job fails.
	StartAttempts int
	// MonitorErrorLimit is how many consecutive monitor failures are
	// tolerated before the job is declared unreachable.
	MonitorErrorLimit int
}

func (c Config) withDefaults() Config {
	if c.StartAttempts <= 0 {
		c.StartAttempts = defaultStartAttempts
	}
	if c.MonitorErrorLimit <= 0 {
		c.MonitorErrorLimit = defaultMonitorErrorLimit
	}
	return c
}

// Manager supervises all jobs of one engine instance.
type Manager struct {
	cfg       Config
	store     *store.Store
	hub       *hub.Hub
	backends  map[job.BackendKind]backend.ExecutionBackend
	collector *logcollect.Collector
	tracker   tracker.Tracker
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// finished dedupes terminal metric emission per job: the terminal
	// transition can be applied by this manager, a worker callback, or
	// a cancel request, and the monitor confirms it afterwards.
	finished sync.Map
}

// New creates a manager. hub, collector, and metrics may be nil; a nil
// tracker becomes a noop.
func New(cfg Config, st *store.Store, h *hub.Hub, backends map[job.BackendKind]backend.ExecutionBackend,
	collector *logcollect.Collector, tr tracker.Tracker, metrics *observability.Metrics) *Manager {
	if tr == nil {
		tr = tracker.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg.withDefaults(),
		store:     st,
		hub:       h,
		backends:  backends,
		collector: collector,
		tracker:   tr,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit validates the descriptor, persists the pending record, and
// launches the job asynchronously. The returned record is the accepted
// pending state; callers poll or subscribe for progress.
func (m *Manager) Submit(ctx context.Context, d job.Descriptor) (*job.Record, error) {
	job.ApplyDefaults(&d)
	if err := job.Validate(&d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CallbackURL == "" && m.cfg.CallbackBaseURL != "" {
		d.CallbackURL = fmt.Sprintf("%s/internal/callbacks/%s", m.cfg.CallbackBaseURL, d.ID)
	}
	if _, ok := m.backends[d.Backend]; !ok {
		return nil, apperrors.Unavailable(string(d.Backend), "backend not configured")
	}

	rec := job.NewRecord(d)
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("Job submitted", "jobId", d.ID, "sessionId", d.SessionID, "backend", d.Backend, "model", d.ModelName)
	m.publish(job.StatusEvent(rec))
	if m.metrics != nil {
		m.metrics.RecordJobSubmitted(ctx, string(d.Backend))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(rec.Descriptor)
	}()
	return rec, nil
}

// Get returns a job record.
func (m *Manager) Get(ctx context.Context, id string) (*job.Record, error) {
	return m.store.Get(ctx, id)
}

// List returns job records matching the filter.
func (m *Manager) List(ctx context.Context, f store.ListFilter) ([]*job.Record, error) {
	return m.store.List(ctx, f)
}

// Cancel moves the job to cancelled and stops its worker. Cancelling
// an already-cancelled job is a no-op; cancelling a completed or
// failed one is a conflict.
func (m *Manager) Cancel(ctx context.Context, id string) (*job.Record, error) {
	var already bool
	rec, err := m.store.Apply(ctx, id, func(r *job.Record) error {
		if r.Status == job.StatusCancelled {
			already = true
			return errAlreadyTerminal
		}
		if r.Status.Terminal() {
			return apperrors.Terminal(id, "job already finished")
		}
		now := time.Now().UTC()
		r.Status = job.StatusCancelled
		r.CompletedAt = &now
		r.Error = &job.Failure{Reason: job.ReasonCancelled}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) && already {
		return m.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Job cancelled", "jobId", id)
	m.publish(job.StatusEvent(rec))
	m.finishMetrics(ctx, rec)
	m.tracker.FinalizeRun(ctx, id, job.StatusCancelled)

	if rec.Handle != "" {
		if be, ok := m.backends[rec.Descriptor.Backend]; ok {
			if err := be.Cancel(ctx, backend.Handle(rec.Handle)); err != nil {
				slog.Warn("Backend cancel failed", "jobId", id, "error", err)
			}
		}
	}
	return rec, nil
}

// Close stops supervision and waits for run loops to exit. Workers
// keep running on their backends; Recover picks them up after a
// restart where the backend supports re-attachment.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover resumes supervision of non-terminal jobs after a restart.
// Jobs whose backend cannot be re-attached are failed with an
// unreachable error rather than left running-forever.
func (m *Manager) Recover(ctx context.Context) error {
	for _, status := range []job.Status{job.StatusPending, job.StatusStarting, job.StatusRunning} {
		recs, err := m.store.List(ctx, store.ListFilter{Status: status, Limit: 10000})
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, rec := range recs {
			m.recoverOne(ctx, rec)
		}
	}
	return nil
}

func (m *Manager) recoverOne(ctx context.Context, rec *job.Record) {
	logger := slog.With("jobId", rec.Descriptor.ID, "status", rec.Status)

	if rec.Status == job.StatusPending {
		logger.Info("Resuming pending job")
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(rec.Descriptor)
		}()
		return
	}

	be, ok := m.backends[rec.Descriptor.Backend]
	if !ok || rec.Handle == "" {
		m.failJob(ctx, rec.Descriptor, job.ReasonBackendUnreachable, "engine restarted, worker not recoverable", nil)
		return
	}

	events, err := be.Monitor(m.ctx, backend.Handle(rec.Handle))
	if err != nil {
		logger.Warn("Cannot re-attach to worker", "error", err)
		m.failJob(ctx, rec.Descriptor, job.ReasonBackendUnreachable, "engine restarted, worker not recoverable", nil)
		return
	}

	logger.Info("Re-attached to worker", "handle", rec.Handle)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consume(m.ctx, rec.Descriptor, events, nil)
	}()
}

// run drives one job from pending to a terminal state.
func (m *Manager) run(d job.Descriptor) {
	logger := slog.With("jobId", d.ID, "backend", d.Backend)
	defer m.finished.Delete(d.ID)

	ctx := m.ctx
	var cancelTimeout context.CancelFunc
	if d.TimeoutSeconds > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, time.Duration(d.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}

	if !m.transition(ctx, d.ID, job.StatusStarting) {
		return
	}

	be := m.backends[d.Backend]
	handle, err := m.startWithRetry(ctx, be, &d)
	if err != nil {
		logger.Error("Job failed to start", "error", err)
		m.failJob(ctx, d, job.ReasonLaunchFailed, err.Error(), nil)
		return
	}
	logger.Info("Worker launched", "handle", string(handle))

	if !m.recordHandle(ctx, d.ID, handle) {
		// Cancelled while launching; tear the worker down again.
		if err := be.Cancel(m.ctx, handle); err != nil {
			logger.Warn("Failed to stop orphaned worker", "error", err)
		}
		return
	}

	var collectorDone chan struct{}
	if m.collector != nil {
		if streams, err := be.OpenLogs(ctx, handle); err != nil {
			logger.Warn("Log capture unavailable", "error", err)
		} else {
			collectorDone = make(chan struct{})
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				defer close(collectorDone)
				if err := m.collector.Collect(ctx, d.ID, d.SessionID, streams); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Log collection ended with error", "error", err)
				}
			}()
		}
	}

	events, err := be.Monitor(ctx, handle)
	if err != nil {
		logger.Error("Monitor unavailable", "error", err)
		m.failJob(ctx, d, job.ReasonBackendUnreachable, err.Error(), nil)
		return
	}

	m.consume(ctx, d, events, func() {
		// Timeout path: the context deadline killed the monitor before
		// a terminal event arrived.
		if ctx.Err() == context.DeadlineExceeded {
			logger.Warn("Job timed out", "timeoutSeconds", d.TimeoutSeconds)
			if err := be.Cancel(m.ctx, handle); err != nil {
				logger.Warn("Failed to stop timed-out worker", "error", err)
			}
			detail := fmt.Sprintf("no terminal state after %d seconds", d.TimeoutSeconds)
			m.failJob(m.ctx, d, job.ReasonTimeout, detail, nil)
		}
	})

	if collectorDone != nil {
		select {
		case <-collectorDone:
		case <-time.After(10 * time.Second):
		}
	}
}

// consume drains a monitor stream, reconciling what it observes into
// the record. onStreamEnd, if set, runs when the stream closes without
// a terminal event.
func (m *Manager) consume(ctx context.Context, d job.Descriptor, events <-chan backend.Event, onStreamEnd func()) {
	logger := slog.With("jobId", d.ID)
	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			if onStreamEnd != nil {
				onStreamEnd()
			}
			return
		case ev, ok := <-events:
			if !ok {
				if onStreamEnd != nil {
					onStreamEnd()
				}
				return
			}
			switch ev.Kind {
			case backend.EventRunning:
				consecutiveErrors = 0
				m.transition(ctx, d.ID, job.StatusRunning)

			case backend.EventError:
				consecutiveErrors++
				logger.Warn("Monitor error", "consecutive", consecutiveErrors, "error", ev.Err)
				if consecutiveErrors >= m.cfg.MonitorErrorLimit {
					m.failJob(ctx, d, job.ReasonBackendUnreachable,
						fmt.Sprintf("%d consecutive monitor failures: %v", consecutiveErrors, ev.Err), nil)
					return
				}

			case backend.EventTerminal:
				consecutiveErrors = 0
				m.reconcileTerminal(ctx, d, ev.Terminal)
				return
			}
		}
	}
}

// reconcileTerminal applies a backend-observed end state. A worker
// callback may already have decided the outcome; in that case the
// observation only confirms it.
func (m *Manager) reconcileTerminal(ctx context.Context, d job.Descriptor, term *backend.TerminalStatus) {
	logger := slog.With("jobId", d.ID)

	target := job.StatusCompleted
	if term.Outcome == backend.OutcomeFailed {
		target = job.StatusFailed
	}

	rec, err := m.store.Apply(ctx, d.ID, func(r *job.Record) error {
		if r.Status.Terminal() {
			if r.Status != target && !(r.Status == job.StatusCancelled && term.Reason == job.ReasonCancelled) {
				logger.Warn("Backend outcome disagrees with recorded terminal state",
					"recorded", r.Status, "observed", target, "detail", term.Detail)
			}
			return errAlreadyTerminal
		}

		now := time.Now().UTC()
		r.Status = target
		r.CompletedAt = &now
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if target == job.StatusFailed {
			reason := term.Reason
			if reason == "" {
				reason = job.ReasonProcessExited
			}
			r.Error = &job.Failure{Reason: reason, Detail: term.Detail, ExitCode: term.ExitCode}
		}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		// A worker callback or cancel got there first. It may not have
		// emitted the finish metric when it did not own the run loop.
		if cur, gerr := m.store.Get(ctx, d.ID); gerr == nil {
			m.finishMetrics(ctx, cur)
		}
		return
	}
	if err != nil {
		logger.Error("Failed to record terminal state", "error", err)
		return
	}

	logger.Info("Job finished", "status", rec.Status, "detail", term.Detail)
	m.publish(job.StatusEvent(rec))
	m.finishMetrics(ctx, rec)
	m.tracker.FinalizeRun(ctx, d.ID, rec.Status)
}

// failJob marks the job failed unless it is already terminal.
func (m *Manager) failJob(ctx context.Context, d job.Descriptor, reason, detail string, exitCode *int) {
	rec, err := m.store.Apply(ctx, d.ID, func(r *job.Record) error {
		if r.Status.Terminal() {
			return errAlreadyTerminal
		}
		now := time.Now().UTC()
		r.Status = job.StatusFailed
		r.CompletedAt = &now
		r.Error = &job.Failure{Reason: reason, Detail: detail, ExitCode: exitCode}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return
	}
	if err != nil {
		slog.Error("Failed to record job failure", "jobId", d.ID, "error", err)
		return
	}

	m.publish(job.StatusEvent(rec))
	m.finishMetrics(ctx, rec)
	m.tracker.FinalizeRun(ctx, d.ID, job.StatusFailed)
}

// transition applies a forward status change, reporting false when the
// record is already terminal or the edge is illegal.
func (m *Manager) transition(ctx context.Context, id string, to job.Status) bool {
	rec, err := m.store.Apply(ctx, id, func(r *job.Record) error {
		if r.Status == to {
			return nil
		}
		if !job.CanTransition(r.Status, to) {
			return errAlreadyTerminal
		}
		r.Status = to
		if to == job.StatusRunning && r.StartedAt == nil {
			now := time.Now().UTC()
			r.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAlreadyTerminal) {
			slog.Error("Status transition failed", "jobId", id, "to", to, "error", err)
		}
		return false
	}
	m.publish(job.StatusEvent(rec))
	return true
}

func (m *Manager) recordHandle(ctx context.Context, id string, h backend.Handle) bool {
	_, err := m.store.Apply(ctx, id, func(r *job.Record) error {
		if r.Status.Terminal() {
			return errAlreadyTerminal
		}
		r.Handle = string(h)
		return nil
	})
	return err == nil
}

func (m *Manager) startWithRetry(ctx context.Context, be backend.ExecutionBackend, d *job.Descriptor) (backend.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.StartAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff.Exponential(attempt-1, &backoff.Config{Jitter: 0.2})):
			}
		}

		handle, err := be.Start(ctx, d)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		// A conflict means a previous attempt actually made it through.
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrValidation) {
			return "", err
		}
		slog.Warn("Worker launch attempt failed", "jobId", d.ID, "attempt", attempt, "error", err)
	}
	return "", lastErr
}

func (m *Manager) finishMetrics(ctx context.Context, rec *job.Record) {
	if m.metrics == nil {
		return
	}
	if _, dup := m.finished.LoadOrStore(rec.Descriptor.ID, struct{}{}); dup {
		return
	}
	var seconds float64
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		seconds = rec.CompletedAt.Sub(*rec.StartedAt).Seconds()
	}
	m.metrics.RecordJobFinished(ctx, string(rec.Descriptor.Backend), string(rec.Status), seconds)
}

func (m *Manager) publish(ev job.Event) {
	if m.hub != nil {
		m.hub.Publish(ev)
	}
}
