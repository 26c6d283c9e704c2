// Package local runs training workers as child processes of the
// engine. Each worker gets its own process group and working
// directory; stdout and stderr are exposed as log streams.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"trainengine/internal/apperrors"
	"trainengine/internal/backend"
	"trainengine/internal/job"
)

// Config holds configuration for the local backend.
type Config struct {
	WorkDir   string        // Per-job working directories live under here (default os.TempDir()/trainengine)
	StopGrace time.Duration // SIGTERM-to-SIGKILL grace on cancel (default 10s)
}

// Backend implements backend.ExecutionBackend with child processes.
type Backend struct {
	workDir   string
	stopGrace time.Duration
	repo      *procRepo
	wg        sync.WaitGroup
}

// procState holds the runtime state of a single worker process.
type procState struct {
	jobID string
	cmd   *exec.Cmd
	pid   int

	mu        sync.Mutex
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	logsTaken bool
	killed    bool

	done   chan struct{} // closed once Wait returns and result is set
	result backend.TerminalStatus
}

// New creates a local backend.
func New(cfg Config) *Backend {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "trainengine")
	}
	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Backend{
		workDir:   workDir,
		stopGrace: stopGrace,
		repo:      newProcRepo(),
	}
}

// Name returns the backend kind.
func (b *Backend) Name() job.BackendKind {
	return job.BackendLocal
}

// Ready reports whether the backend can launch workers.
func (b *Backend) Ready(_ context.Context) error {
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return fmt.Errorf("work directory unavailable: %w", err)
	}
	return nil
}

// Start launches the worker process. The returned handle encodes the
// job ID and pid.
func (b *Backend) Start(_ context.Context, d *job.Descriptor) (backend.Handle, error) {
	if len(d.Command) == 0 {
		return "", apperrors.Validation("command", "command is required for the local backend")
	}
	if err := b.repo.reserve(d.ID); err != nil {
		return "", err
	}

	jobDir := filepath.Join(b.workDir, d.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		b.repo.abandon(d.ID)
		return "", fmt.Errorf("create job directory: %w", err)
	}

	// The process is not tied to the request context: the worker
	// outlives the HTTP call that submitted it.
	cmd := exec.Command(d.Command[0], d.Command[1:]...)
	cmd.Dir = jobDir
	cmd.Env = workerEnv(d)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Explicit pipes instead of StdoutPipe: Wait closes the pipes it
	// created, which would truncate log reads still in flight.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		b.repo.abandon(d.ID)
		return "", fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		b.repo.abandon(d.ID)
		return "", fmt.Errorf("open stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutW.Close()
		stderr.Close()
		stderrW.Close()
		b.repo.abandon(d.ID)
		return "", fmt.Errorf("start worker process: %w", err)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	ps := &procState{
		jobID:  d.ID,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	h := backend.Handle(fmt.Sprintf("%s:%d", d.ID, ps.pid))
	b.repo.commit(d.ID, h, ps)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.reap(ps)
	}()

	slog.Info("Worker process started", "jobId", d.ID, "pid", ps.pid)
	return h, nil
}

// reap waits for the process and records its terminal status.
func (b *Backend) reap(ps *procState) {
	err := ps.cmd.Wait()

	ps.mu.Lock()
	killed := ps.killed
	ps.mu.Unlock()

	switch {
	case err == nil:
		ps.result = backend.TerminalStatus{Outcome: backend.OutcomeSucceeded}
	case killed:
		ps.result = backend.TerminalStatus{
			Outcome: backend.OutcomeFailed,
			Reason:  job.ReasonCancelled,
			Detail:  "worker terminated by cancel",
		}
	default:
		code := -1
		detail := err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				detail = fmt.Sprintf("killed by signal %s", ws.Signal())
			} else {
				detail = fmt.Sprintf("exit code %d", code)
			}
		}
		ps.result = backend.TerminalStatus{
			Outcome:  backend.OutcomeFailed,
			ExitCode: &code,
			Reason:   job.ReasonProcessExited,
			Detail:   detail,
		}
	}
	close(ps.done)
}

// Monitor streams liveness and the terminal state for a worker. The
// channel closes after the terminal event or when ctx is cancelled.
func (b *Backend) Monitor(ctx context.Context, h backend.Handle) (<-chan backend.Event, error) {
	ps, ok := b.repo.get(h)
	if !ok {
		return nil, apperrors.NotFound("worker", string(h))
	}

	events := make(chan backend.Event, 2)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(events)

		events <- backend.Event{Kind: backend.EventRunning}

		select {
		case <-ctx.Done():
			return
		case <-ps.done:
		}

		result := ps.result
		select {
		case events <- backend.Event{Kind: backend.EventTerminal, Terminal: &result}:
			b.repo.release(ps.jobID, h)
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// Cancel stops the worker: SIGTERM to the process group, then SIGKILL
// after the grace period. Cancelling an unknown or already-exited
// worker is a no-op.
func (b *Backend) Cancel(ctx context.Context, h backend.Handle) error {
	ps, ok := b.repo.get(h)
	if !ok {
		return nil
	}

	ps.mu.Lock()
	ps.killed = true
	ps.mu.Unlock()

	// Negative pid targets the whole process group.
	if err := syscall.Kill(-ps.pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal worker: %w", err)
	}

	select {
	case <-ps.done:
		b.repo.release(ps.jobID, h)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.stopGrace):
	}

	slog.Warn("Worker ignored SIGTERM, killing", "jobId", ps.jobID, "pid", ps.pid)
	if err := syscall.Kill(-ps.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill worker: %w", err)
	}

	select {
	case <-ps.done:
		b.repo.release(ps.jobID, h)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenLogs hands out the worker's stdout and stderr streams. The
// streams can only be claimed once.
func (b *Backend) OpenLogs(_ context.Context, h backend.Handle) ([]backend.LogStream, error) {
	ps, ok := b.repo.get(h)
	if !ok {
		return nil, apperrors.NotFound("worker", string(h))
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.logsTaken {
		return nil, apperrors.Conflict("worker", string(h), "log streams already claimed")
	}
	ps.logsTaken = true
	return []backend.LogStream{
		{Stream: "stdout", R: ps.stdout},
		{Stream: "stderr", R: ps.stderr},
	}, nil
}

// Close cancels all tracked workers and waits for reapers to finish.
func (b *Backend) Close(ctx context.Context) error {
	for _, h := range b.repo.handles() {
		if err := b.Cancel(ctx, h); err != nil {
			slog.Warn("Failed to cancel worker during shutdown", "handle", string(h), "error", err)
		}
	}

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func workerEnv(d *job.Descriptor) []string {
	env := append(os.Environ(),
		"JOB_ID="+d.ID,
		"SESSION_ID="+d.SessionID,
		"FRAMEWORK="+d.Framework,
		"MODEL_NAME="+d.ModelName,
	)
	if d.CallbackURL != "" {
		env = append(env, "CALLBACK_URL="+d.CallbackURL)
	}
	if d.DatasetURI != "" {
		env = append(env, "DATASET_URI="+d.DatasetURI)
	}
	for k, v := range d.Config {
		env = append(env, "TRAIN_"+strings.ToUpper(k)+"="+v)
	}
	return env
}
