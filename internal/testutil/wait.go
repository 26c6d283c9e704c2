// Package testutil provides testing utilities for polling and waiting.
package testutil

import (
	"context"
	"testing"
	"time"

	"trainengine/internal/job"
	"trainengine/internal/store"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 50ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 50 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return false
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForStatus polls the store until the job reaches the wanted
// status, failing the test on timeout. Returns the record.
func WaitForStatus(tb testing.TB, st *store.Store, jobID string, want job.Status, opts ...WaitOption) *job.Record {
	tb.Helper()
	var rec *job.Record
	ok := WaitFor(tb, func() bool {
		r, err := st.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, opts...)
	if !ok {
		status := job.Status("missing")
		if rec != nil {
			status = rec.Status
		}
		tb.Fatalf("job %s did not reach %s (last: %s)", jobID, want, status)
	}
	return rec
}

// WaitForTerminal polls the store until the job reaches any terminal
// status, failing the test on timeout.
func WaitForTerminal(tb testing.TB, st *store.Store, jobID string, opts ...WaitOption) *job.Record {
	tb.Helper()
	var rec *job.Record
	MustWaitFor(tb, func() bool {
		r, err := st.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status.Terminal()
	}, opts...)
	return rec
}
