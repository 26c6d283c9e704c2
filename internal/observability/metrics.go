package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics covering the golden 4 signals:
// - Latency: request and job durations
// - Traffic: request/job/callback throughput
// - Errors: failures by kind
// - Saturation: active jobs, queue depths
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobDuration   metric.Float64Histogram
	JobsSubmitted metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobsActive    metric.Int64UpDownCounter

	// Callback ingestion metrics
	CallbacksAccepted metric.Int64Counter
	CallbacksRejected metric.Int64Counter

	// Broadcast hub metrics
	HubEventsDropped metric.Int64Counter

	// Forwarder metrics
	ForwarderDuration  metric.Float64Histogram
	ForwarderDelivered metric.Int64Counter
	ForwarderFailed    metric.Int64Counter
	ForwarderDropped   metric.Int64Counter
	ForwarderQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("trainengine")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Training job duration from start to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently supervised (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksAccepted, err = meter.Int64Counter(
		"callbacks_accepted_total",
		metric.WithDescription("Total worker callbacks applied to job records"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksRejected, err = meter.Int64Counter(
		"callbacks_rejected_total",
		metric.WithDescription("Total worker callbacks rejected or discarded"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HubEventsDropped, err = meter.Int64Counter(
		"hub_events_dropped_total",
		metric.WithDescription("Events shed from slow subscriber buffers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ForwarderDuration, err = meter.Float64Histogram(
		"forwarder_duration_seconds",
		metric.WithDescription("External sink delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ForwarderDelivered, err = meter.Int64Counter(
		"forwarder_delivered_total",
		metric.WithDescription("Total events successfully delivered to sinks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ForwarderFailed, err = meter.Int64Counter(
		"forwarder_failed_total",
		metric.WithDescription("Total sink deliveries failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ForwarderDropped, err = meter.Int64Counter(
		"forwarder_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ForwarderQueueSize, err = meter.Int64Gauge(
		"forwarder_queue_size",
		metric.WithDescription("Current number of events in the forwarder queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job entering supervision.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, backend string) {
	attrs := metric.WithAttributes(backendAttr(backend))
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal state.
func (m *Metrics) RecordJobFinished(ctx context.Context, backend, outcome string, durationSeconds float64) {
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(backendAttr(backend), outcomeAttr(outcome)))
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), outcomeAttr(outcome)))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(backendAttr(backend)))
}

// RecordCallbackAccepted records an applied worker callback.
func (m *Metrics) RecordCallbackAccepted(ctx context.Context, kind string) {
	m.CallbacksAccepted.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordCallbackRejected records a rejected or discarded worker callback.
func (m *Metrics) RecordCallbackRejected(ctx context.Context, kind string) {
	m.CallbacksRejected.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordHubDropped records events shed by the broadcast hub.
func (m *Metrics) RecordHubDropped(ctx context.Context, n int64) {
	m.HubEventsDropped.Add(ctx, n)
}

// RecordForwarderDelivered records a successful sink delivery with its duration.
func (m *Metrics) RecordForwarderDelivered(ctx context.Context, durationSeconds float64) {
	m.ForwarderDelivered.Add(ctx, 1)
	m.ForwarderDuration.Record(ctx, durationSeconds)
}

// RecordForwarderFailed records a failed sink delivery.
func (m *Metrics) RecordForwarderFailed(ctx context.Context) {
	m.ForwarderFailed.Add(ctx, 1)
}

// RecordForwarderDropped records a dropped event.
func (m *Metrics) RecordForwarderDropped(ctx context.Context) {
	m.ForwarderDropped.Add(ctx, 1)
}

// RecordForwarderQueueSize records the current queue size.
func (m *Metrics) RecordForwarderQueueSize(ctx context.Context, size int64) {
	m.ForwarderQueueSize.Record(ctx, size)
}
