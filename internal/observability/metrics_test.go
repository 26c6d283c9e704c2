package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 202, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/xyz789", 404, 0.005)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/v1/jobs/abc123", 202, 0.100)
	metrics.RecordHTTPRequest(ctx, "POST", "/internal/callbacks/abc123/progress", 409, 0.001)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobSubmitted(ctx, "local")
	metrics.RecordJobSubmitted(ctx, "kubernetes")
	metrics.RecordJobFinished(ctx, "local", "completed", 42.0)
	metrics.RecordJobFinished(ctx, "kubernetes", "failed", 900.0)
	metrics.RecordCallbackAccepted(ctx, "progress")
	metrics.RecordCallbackRejected(ctx, "completion")
	metrics.RecordHubDropped(ctx, 3)
	metrics.RecordForwarderDelivered(ctx, 0.03)
	metrics.RecordForwarderFailed(ctx)
	metrics.RecordForwarderDropped(ctx)
	metrics.RecordForwarderQueueSize(ctx, 12)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/abc123", "/v1/jobs/{id}"},
		{"/v1/jobs/abc123/logs", "/v1/jobs/{id}/logs"},
		{"/v1/sessions/s-9/events", "/v1/sessions/{id}/events"},
		{"/internal/callbacks/abc123/progress", "/internal/callbacks/{id}/progress"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
