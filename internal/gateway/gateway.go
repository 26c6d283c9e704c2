// Package gateway applies worker callbacks to job records. Every
// accepted callback is committed to the store before the caller
// acknowledges it, so a worker retry after a crash can never observe
// an acknowledged-but-lost update.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trainengine/internal/apperrors"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/internal/store"
	"trainengine/internal/tracker"
)

// Outcome describes what a callback did to the record.
type Outcome string

const (
	// OutcomeApplied means the record was updated.
	OutcomeApplied Outcome = "applied"
	// OutcomeDiscarded means the callback was stale (old epoch or a
	// duplicate terminal report) and ignored without error.
	OutcomeDiscarded Outcome = "discarded"
)

// errSkip aborts a store.Apply without writing; the callback is
// acknowledged but changes nothing.
var errSkip = errors.New("callback discarded")

// Gateway is the callback ingestion path.
type Gateway struct {
	store   *store.Store
	hub     *hub.Hub
	tracker tracker.Tracker
}

// New creates a gateway. hub may be nil; a nil tracker becomes a noop.
func New(st *store.Store, h *hub.Hub, tr tracker.Tracker) *Gateway {
	if tr == nil {
		tr = tracker.Noop{}
	}
	return &Gateway{store: st, hub: h, tracker: tr}
}

// ApplyStarted handles the worker's first report: the job is confirmed
// executing and the worker's run ID is recorded. Re-delivery against a
// running job just refreshes the run ID.
func (g *Gateway) ApplyStarted(ctx context.Context, jobID string, cb job.StartedCallback) (*job.Record, Outcome, error) {
	rec, err := g.store.Apply(ctx, jobID, func(r *job.Record) error {
		if r.Status.Terminal() {
			return apperrors.Terminal(jobID, "job already finished")
		}
		if cb.RunID != "" {
			r.RunID = cb.RunID
		}
		if r.Status == job.StatusRunning {
			return nil
		}
		r.Status = job.StatusRunning
		if r.StartedAt == nil {
			now := time.Now().UTC()
			r.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	g.publish(job.StatusEvent(rec))
	return rec, OutcomeApplied, nil
}

// ApplyProgress handles a periodic report. Reports for an epoch older
// than the recorded one are retried deliveries that arrived late; they
// are acknowledged and dropped. Reports against a terminal job are
// rejected so a confused worker learns to stop.
func (g *Gateway) ApplyProgress(ctx context.Context, jobID string, cb job.ProgressCallback) (*job.Record, Outcome, error) {
	var refsUpdated bool
	rec, err := g.store.Apply(ctx, jobID, func(r *job.Record) error {
		if r.Status.Terminal() {
			return apperrors.Terminal(jobID, "job already finished")
		}
		if cb.Epoch < r.Progress.Epoch {
			return errSkip
		}

		// Progress implies the worker is alive even if the started
		// report was lost.
		if r.Status != job.StatusRunning {
			r.Status = job.StatusRunning
			if r.StartedAt == nil {
				now := time.Now().UTC()
				r.StartedAt = &now
			}
		}

		r.Progress.Epoch = cb.Epoch
		r.Progress.Step = cb.Step
		if cb.Metrics != nil {
			r.Progress.Metrics = cb.Metrics
		}
		if cb.Checkpoints != nil {
			refsUpdated = applyRefs(&r.Checkpoints, cb.Checkpoints)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		current, getErr := g.store.Get(ctx, jobID)
		if getErr != nil {
			return nil, "", getErr
		}
		slog.Debug("Stale progress discarded", "jobId", jobID, "epoch", cb.Epoch, "currentEpoch", current.Progress.Epoch)
		return current, OutcomeDiscarded, nil
	}
	if err != nil {
		return nil, "", err
	}

	if len(cb.Metrics) > 0 {
		if err := g.store.AppendMetrics(ctx, jobID, cb.Epoch, cb.Step, cb.Metrics); err != nil {
			slog.Warn("Failed to record metric history", "jobId", jobID, "error", err)
		}
		g.tracker.RecordMetrics(ctx, jobID, cb.Epoch, cb.Step, cb.Metrics)
	}

	if cb.LogExcerpt != "" {
		lines := []string{cb.LogExcerpt}
		if err := g.store.AppendLogs(ctx, jobID, "worker", lines); err != nil {
			slog.Warn("Failed to record log excerpt", "jobId", jobID, "error", err)
		}
		g.publish(job.LogEvent(rec.Descriptor.ID, rec.Descriptor.SessionID, "worker", lines))
	}

	g.publish(job.ProgressEvent(rec))
	if refsUpdated {
		refs := rec.Checkpoints
		g.publish(job.Event{
			Type:      job.EventCheckpoint,
			JobID:     rec.Descriptor.ID,
			SessionID: rec.Descriptor.SessionID,
			Refs:      &refs,
			Time:      time.Now().UTC(),
		})
	}
	return rec, OutcomeApplied, nil
}

// ApplyCompletion handles the worker's final report. The first
// terminal state a job reaches wins: a completion arriving after the
// job is already terminal is acknowledged without changing anything,
// and a disagreement between the two reports is logged.
func (g *Gateway) ApplyCompletion(ctx context.Context, jobID string, cb job.CompletionCallback) (*job.Record, Outcome, error) {
	target := job.StatusCompleted
	if !cb.Succeeded {
		target = job.StatusFailed
	}

	rec, err := g.store.Apply(ctx, jobID, func(r *job.Record) error {
		if r.Status.Terminal() {
			if r.Status != target {
				slog.Warn("Completion disagrees with recorded terminal state",
					"jobId", jobID, "recorded", r.Status, "reported", target)
			}
			return errSkip
		}

		r.Status = target
		now := time.Now().UTC()
		r.CompletedAt = &now
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if cb.Metrics != nil {
			r.Progress.Metrics = cb.Metrics
		}
		if cb.Checkpoints != nil {
			applyRefs(&r.Checkpoints, cb.Checkpoints)
		}
		if target == job.StatusFailed {
			failure := cb.Error
			if failure == nil {
				failure = &job.Failure{Reason: job.ReasonWorkerReported, Detail: cb.Diagnostic}
			} else if failure.Reason == "" {
				failure.Reason = job.ReasonWorkerReported
			}
			r.Error = failure
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		current, getErr := g.store.Get(ctx, jobID)
		if getErr != nil {
			return nil, "", getErr
		}
		return current, OutcomeDiscarded, nil
	}
	if err != nil {
		return nil, "", err
	}

	g.publish(job.StatusEvent(rec))
	g.tracker.FinalizeRun(ctx, jobID, rec.Status)
	return rec, OutcomeApplied, nil
}

func (g *Gateway) publish(ev job.Event) {
	if g.hub != nil {
		g.hub.Publish(ev)
	}
}

// applyRefs merges non-empty refs and reports whether anything changed.
func applyRefs(dst *job.CheckpointRefs, src *job.CheckpointRefs) bool {
	changed := false
	if src.Best != "" && src.Best != dst.Best {
		dst.Best = src.Best
		changed = true
	}
	if src.Last != "" && src.Last != dst.Last {
		dst.Last = src.Last
		changed = true
	}
	return changed
}
