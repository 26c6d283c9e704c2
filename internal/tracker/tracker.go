// Package tracker bridges job progress to an external experiment
// tracking service. The bridge is one-way and best effort: a tracker
// outage never blocks or fails a training job.
package tracker

import (
	"context"

	"github.com/google/uuid"

	"trainengine/internal/forwarder"
	"trainengine/internal/job"
	"trainengine/pkg/cloudevent"
)

// Tracker receives metric points and run outcomes.
type Tracker interface {
	RecordMetrics(ctx context.Context, jobID string, epoch, step int, metrics map[string]float64)
	FinalizeRun(ctx context.Context, jobID string, status job.Status)
}

// Noop discards everything. Used when no tracker is configured.
type Noop struct{}

func (Noop) RecordMetrics(context.Context, string, int, int, map[string]float64) {}
func (Noop) FinalizeRun(context.Context, string, job.Status)                     {}

// Bridge ships tracker updates through the forwarder as CloudEvents.
type Bridge struct {
	fwd        *forwarder.Forwarder
	url        string
	signingKey string
}

// NewBridge creates a bridge delivering to url.
func NewBridge(fwd *forwarder.Forwarder, url, signingKey string) *Bridge {
	return &Bridge{fwd: fwd, url: url, signingKey: signingKey}
}

func (b *Bridge) RecordMetrics(_ context.Context, jobID string, epoch, step int, metrics map[string]float64) {
	ev := cloudevent.New("ai.train.run.metrics", "/trainengine", jobID, uuid.NewString(), map[string]any{
		"jobId":   jobID,
		"epoch":   epoch,
		"step":    step,
		"metrics": metrics,
	})
	_ = b.fwd.Forward(&forwarder.Envelope{Payload: ev, Destination: b.url, SigningKey: b.signingKey})
}

func (b *Bridge) FinalizeRun(_ context.Context, jobID string, status job.Status) {
	ev := cloudevent.New("ai.train.run.finished", "/trainengine", jobID, uuid.NewString(), map[string]any{
		"jobId":  jobID,
		"status": string(status),
	})
	_ = b.fwd.Forward(&forwarder.Envelope{Payload: ev, Destination: b.url, SigningKey: b.signingKey})
}

var _ Tracker = (*Bridge)(nil)
var _ Tracker = Noop{}
