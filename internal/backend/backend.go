// Package backend defines the execution backend abstraction. A backend
// knows how to launch a training worker, watch it, and stop it; it
// knows nothing about job records, callbacks, or persistence.
package backend

import (
	"context"
	"io"

	"trainengine/internal/job"
)

// Handle identifies a launched worker within its backend. For the
// local backend it encodes a pid, for kubernetes a Job name. Handles
// are persisted with the record so a restarted engine can re-attach.
type Handle string

// Outcome classifies how a worker ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// TerminalStatus describes the end state a backend observed.
type TerminalStatus struct {
	Outcome  Outcome
	ExitCode *int
	Reason   string
	Detail   string
}

// EventKind discriminates monitor events.
type EventKind string

const (
	// EventRunning signals the worker is confirmed executing.
	EventRunning EventKind = "running"
	// EventTerminal carries the observed end state. At most one is
	// emitted per monitor stream, always last before close.
	EventTerminal EventKind = "terminal"
	// EventError signals a transient observation failure. The monitor
	// keeps going; consumers decide when too many in a row means the
	// backend is unreachable.
	EventError EventKind = "error"
)

// Event is one observation from a monitor stream.
type Event struct {
	Kind     EventKind
	Terminal *TerminalStatus
	Err      error
}

// LogStream is one named output stream of a running worker.
type LogStream struct {
	Stream string // "stdout" or "stderr"
	R      io.ReadCloser
}

// ExecutionBackend launches and supervises training workers.
//
// Start is asynchronous: it returns once the worker has been handed to
// the substrate, not once it is running. Monitor reports liveness and
// the eventual terminal state on a channel that closes when the stream
// ends (terminal event delivered or ctx cancelled). Cancel is
// idempotent; cancelling an already-gone worker is not an error.
type ExecutionBackend interface {
	Name() job.BackendKind
	Start(ctx context.Context, d *job.Descriptor) (Handle, error)
	Monitor(ctx context.Context, h Handle) (<-chan Event, error)
	Cancel(ctx context.Context, h Handle) error
	OpenLogs(ctx context.Context, h Handle) ([]LogStream, error)
	Ready(ctx context.Context) error
}
