package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllowsRequests(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: 50 * time.Millisecond})

	if !b.Allow() {
		t.Error("expected Allow() in closed state")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected closed below threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected open at threshold")
	}
	if b.Allow() {
		t.Error("expected Allow() to block in open state")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 3, Cooldown: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != Closed {
		t.Error("expected closed, success should clear the count")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected block immediately after opening")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected one probe after cooldown")
	}
	if b.Allow() {
		t.Error("expected second attempt blocked while probe in flight")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	b.RecordFailure()

	if b.Allow() {
		t.Error("expected block after failed probe")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for range 4 {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("expected closed at 4 failures with default threshold 5")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected open at 5 failures")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	a := r.Get("host-a")
	if r.Get("host-a") != a {
		t.Error("expected same breaker instance for same key")
	}

	r.Get("host-b").RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("expected 2 breakers, got %d", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("expected 1 open breaker, got %d", stats.Open)
	}
	if stats.Closed != 1 {
		t.Errorf("expected 1 closed breaker, got %d", stats.Closed)
	}
}
