package api

import (
	"net/http"

	"trainengine/internal/checkpoint"
	"trainengine/internal/gateway"
	"trainengine/internal/health"
	"trainengine/internal/hub"
	"trainengine/internal/observability"
	"trainengine/internal/store"
	"trainengine/internal/supervisor"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Manager       *supervisor.Manager
	Gateway       *gateway.Gateway
	Store         *store.Store
	Hub           *hub.Hub
	Checkpoints   *checkpoint.Issuer
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Manager, cfg.Gateway, cfg.Store, cfg.Hub,
		cfg.Checkpoints, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Worker callbacks - no auth (network-isolated)
	mux.HandleFunc("POST /internal/callbacks/{jobId}/started", handler.CallbackStarted)
	mux.HandleFunc("POST /internal/callbacks/{jobId}/progress", handler.CallbackProgress)
	mux.HandleFunc("POST /internal/callbacks/{jobId}/completion", handler.CallbackCompletion)

	// Job endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", auth(http.HandlerFunc(handler.SubmitJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.CancelJob)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", auth(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/metrics", auth(http.HandlerFunc(handler.GetMetricHistory)))
	mux.Handle("GET /v1/jobs/{jobId}/events", auth(http.HandlerFunc(handler.JobEvents)))
	mux.Handle("GET /v1/sessions/{sessionId}/events", auth(http.HandlerFunc(handler.SessionEvents)))
	mux.Handle("POST /v1/jobs/{jobId}/checkpoints/presign", auth(http.HandlerFunc(handler.PresignCheckpoint)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
