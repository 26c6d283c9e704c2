package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeBackend struct{ err error }

func (f fakeBackend) Ready(context.Context) error { return f.err }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoStore(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	storeCheck, ok := response.Checks["store"]
	if !ok {
		t.Fatal("Expected store check to be present")
	}
	if storeCheck.Status != StatusUnhealthy {
		t.Errorf("Expected store check to be unhealthy, got %s", storeCheck.Status)
	}
}

func TestChecker_Readiness_AllHealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker(fakePinger{}, map[string]ReadinessChecker{
		"local": fakeBackend{},
	})

	response := checker.Readiness(context.Background())

	if !response.IsHealthy() {
		t.Fatalf("Expected healthy, got %+v", response)
	}
	if response.Checks["backend:local"].Status != StatusHealthy {
		t.Errorf("backend check = %+v", response.Checks["backend:local"])
	}
}

func TestChecker_Readiness_BackendDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(fakePinger{}, map[string]ReadinessChecker{
		"kubernetes": fakeBackend{err: errors.New("cluster unreachable")},
	})

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	check := response.Checks["backend:kubernetes"]
	if check.Status != StatusUnhealthy || check.Message != "cluster unreachable" {
		t.Errorf("backend check = %+v", check)
	}
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(fakePinger{}, nil)

	if !checker.Readiness(context.Background()).IsHealthy() {
		t.Fatal("expected healthy before shutdown")
	}

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
