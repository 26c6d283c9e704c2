package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"trainengine/internal/apperrors"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/internal/store"
)

type recordingTracker struct {
	mu        sync.Mutex
	metrics   int
	finalized []job.Status
}

func (r *recordingTracker) RecordMetrics(_ context.Context, _ string, _, _ int, _ map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics++
}

func (r *recordingTracker) FinalizeRun(_ context.Context, _ string, status job.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, status)
}

type fixture struct {
	store   *store.Store
	hub     *hub.Hub
	tracker *recordingTracker
	gw      *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := hub.New(32)
	tr := &recordingTracker{}
	return &fixture{store: st, hub: h, tracker: tr, gw: New(st, h, tr)}
}

func (f *fixture) seed(t *testing.T, id string, status job.Status) *job.Record {
	t.Helper()
	ctx := context.Background()
	rec := job.NewRecord(job.Descriptor{
		ID: id, SessionID: "sess-1", Backend: job.BackendLocal,
		Framework: "pytorch", ModelName: "resnet18", Command: []string{"python", "train.py"},
	})
	if err := f.store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if status != job.StatusPending {
		if _, err := f.store.Apply(ctx, id, func(r *job.Record) error {
			r.Status = status
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	return rec
}

func TestApplyStarted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusStarting)
	sub := f.hub.SubscribeJob("j-1")
	defer sub.Close()

	rec, outcome, err := f.gw.ApplyStarted(context.Background(), "j-1", job.StartedCallback{RunID: "run-abc"})
	if err != nil {
		t.Fatalf("ApplyStarted failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %s", outcome)
	}
	if rec.Status != job.StatusRunning || rec.RunID != "run-abc" {
		t.Errorf("record = %+v", rec)
	}
	if rec.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	ev := <-sub.C
	if ev.Type != job.EventStatus || ev.Status != job.StatusRunning {
		t.Errorf("event = %+v", ev)
	}

	// Re-delivery refreshes the run ID without another transition.
	rec2, _, err := f.gw.ApplyStarted(context.Background(), "j-1", job.StartedCallback{RunID: "run-xyz"})
	if err != nil {
		t.Fatal(err)
	}
	if rec2.Status != job.StatusRunning || rec2.RunID != "run-xyz" {
		t.Errorf("record after re-delivery = %+v", rec2)
	}
}

func TestApplyStarted_AfterTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusCancelled)

	_, _, err := f.gw.ApplyStarted(context.Background(), "j-1", job.StartedCallback{})
	if !errors.Is(err, apperrors.ErrTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}
}

func TestApplyProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)
	sub := f.hub.SubscribeJob("j-1")
	defer sub.Close()

	ctx := context.Background()
	rec, outcome, err := f.gw.ApplyProgress(ctx, "j-1", job.ProgressCallback{
		Epoch:   3,
		Step:    120,
		Metrics: map[string]float64{"loss": 0.42, "mAP50": 0.61},
		Checkpoints: &job.CheckpointRefs{
			Last: "s3://ckpt/j-1/epoch3.pt",
		},
	})
	if err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %s", outcome)
	}
	if rec.Progress.Epoch != 3 || rec.Progress.Metrics["loss"] != 0.42 {
		t.Errorf("progress = %+v", rec.Progress)
	}
	if rec.Checkpoints.Last != "s3://ckpt/j-1/epoch3.pt" {
		t.Errorf("checkpoints = %+v", rec.Checkpoints)
	}

	ev := <-sub.C
	if ev.Type != job.EventProgress || ev.Progress.Epoch != 3 {
		t.Errorf("first event = %+v", ev)
	}
	ev = <-sub.C
	if ev.Type != job.EventCheckpoint {
		t.Errorf("second event = %+v", ev)
	}

	points, err := f.store.MetricHistory(ctx, "j-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Epoch != 3 {
		t.Errorf("metric history = %+v", points)
	}

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	if f.tracker.metrics != 1 {
		t.Errorf("tracker metrics = %d, want 1", f.tracker.metrics)
	}
}

func TestApplyProgress_StaleEpochDiscarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)
	ctx := context.Background()

	if _, _, err := f.gw.ApplyProgress(ctx, "j-1", job.ProgressCallback{Epoch: 5, Metrics: map[string]float64{"loss": 0.2}}); err != nil {
		t.Fatal(err)
	}

	rec, outcome, err := f.gw.ApplyProgress(ctx, "j-1", job.ProgressCallback{Epoch: 2, Metrics: map[string]float64{"loss": 0.9}})
	if err != nil {
		t.Fatalf("stale progress should be acknowledged, got %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Errorf("outcome = %s, want discarded", outcome)
	}
	if rec.Progress.Epoch != 5 || rec.Progress.Metrics["loss"] != 0.2 {
		t.Errorf("stale report mutated the record: %+v", rec.Progress)
	}
}

func TestApplyProgress_AfterTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusCompleted)

	_, _, err := f.gw.ApplyProgress(context.Background(), "j-1", job.ProgressCallback{Epoch: 9})
	if !errors.Is(err, apperrors.ErrTerminal) {
		t.Errorf("expected terminal error, got %v", err)
	}
	if apperrors.HTTPStatus(err) != 409 {
		t.Errorf("HTTPStatus = %d, want 409", apperrors.HTTPStatus(err))
	}
}

func TestApplyProgress_BeforeStartedReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusStarting)

	rec, _, err := f.gw.ApplyProgress(context.Background(), "j-1", job.ProgressCallback{Epoch: 1})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusRunning {
		t.Errorf("Status = %s, progress implies the worker is alive", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Error("StartedAt not set")
	}
}

func TestApplyCompletion_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)

	rec, outcome, err := f.gw.ApplyCompletion(context.Background(), "j-1", job.CompletionCallback{
		Succeeded:   true,
		Metrics:     map[string]float64{"accuracy": 0.93},
		Checkpoints: &job.CheckpointRefs{Best: "s3://ckpt/j-1/best.pt"},
	})
	if err != nil {
		t.Fatalf("ApplyCompletion failed: %v", err)
	}
	if outcome != OutcomeApplied || rec.Status != job.StatusCompleted {
		t.Errorf("record = %+v, outcome = %s", rec, outcome)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if rec.Checkpoints.Best != "s3://ckpt/j-1/best.pt" {
		t.Errorf("checkpoints = %+v", rec.Checkpoints)
	}

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	if len(f.tracker.finalized) != 1 || f.tracker.finalized[0] != job.StatusCompleted {
		t.Errorf("finalized = %v", f.tracker.finalized)
	}
}

func TestApplyCompletion_Failure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)

	rec, _, err := f.gw.ApplyCompletion(context.Background(), "j-1", job.CompletionCallback{
		Succeeded:  false,
		Diagnostic: "CUDA out of memory",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != job.StatusFailed {
		t.Errorf("Status = %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Reason != job.ReasonWorkerReported || rec.Error.Detail != "CUDA out of memory" {
		t.Errorf("Error = %+v", rec.Error)
	}
}

func TestApplyCompletion_DuplicateIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)
	ctx := context.Background()

	first, _, err := f.gw.ApplyCompletion(ctx, "j-1", job.CompletionCallback{Succeeded: true})
	if err != nil {
		t.Fatal(err)
	}

	second, outcome, err := f.gw.ApplyCompletion(ctx, "j-1", job.CompletionCallback{Succeeded: true})
	if err != nil {
		t.Fatalf("duplicate completion must be acknowledged, got %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Errorf("outcome = %s, want discarded", outcome)
	}
	if second.Version != first.Version {
		t.Errorf("duplicate wrote: version %d -> %d", first.Version, second.Version)
	}
}

func TestApplyCompletion_FirstTerminalWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-1", job.StatusRunning)
	ctx := context.Background()

	if _, _, err := f.gw.ApplyCompletion(ctx, "j-1", job.CompletionCallback{Succeeded: true}); err != nil {
		t.Fatal(err)
	}

	rec, outcome, err := f.gw.ApplyCompletion(ctx, "j-1", job.CompletionCallback{
		Succeeded:  false,
		Diagnostic: "late failure report",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDiscarded || rec.Status != job.StatusCompleted {
		t.Errorf("conflicting completion changed the record: %+v, outcome %s", rec, outcome)
	}

	f.tracker.mu.Lock()
	defer f.tracker.mu.Unlock()
	if len(f.tracker.finalized) != 1 {
		t.Errorf("FinalizeRun called %d times, want 1", len(f.tracker.finalized))
	}
}

func TestApplyProgress_LogExcerpt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "j-excerpt", job.StatusRunning)
	sub := f.hub.SubscribeJob("j-excerpt")
	defer sub.Close()
	ctx := context.Background()

	_, outcome, err := f.gw.ApplyProgress(ctx, "j-excerpt", job.ProgressCallback{
		Epoch:      1,
		LogExcerpt: "loss diverged, reducing lr",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %s", outcome)
	}

	lines, err := f.store.Logs(ctx, "j-excerpt", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0].Line != "loss diverged, reducing lr" || lines[0].Stream != "worker" {
		t.Errorf("lines = %+v", lines)
	}

	// Progress event first, then the log event.
	ev := <-sub.C
	if ev.Type != job.EventProgress {
		t.Fatalf("first event = %s", ev.Type)
	}
	ev = <-sub.C
	if ev.Type != job.EventLog || len(ev.Lines) != 1 || ev.Lines[0] != "loss diverged, reducing lr" {
		t.Errorf("log event = %+v", ev)
	}
}
