// Package api provides the HTTP API handlers and routing for the
// training engine.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"trainengine/internal/apperrors"
	"trainengine/internal/checkpoint"
	"trainengine/internal/gateway"
	"trainengine/internal/health"
	"trainengine/internal/hub"
	"trainengine/internal/job"
	"trainengine/internal/observability"
	"trainengine/internal/store"
	"trainengine/internal/supervisor"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

const defaultLogTail = 1000

// Handler contains HTTP handlers for the training API.
type Handler struct {
	mgr         *supervisor.Manager
	gw          *gateway.Gateway
	store       *store.Store
	hub         *hub.Hub
	checkpoints *checkpoint.Issuer
	metrics     *observability.Metrics
	health      *health.Checker
}

// NewHandler creates a new API handler. checkpoints and metrics may be
// nil when the feature is not configured.
func NewHandler(mgr *supervisor.Manager, gw *gateway.Gateway, st *store.Store, h *hub.Hub,
	issuer *checkpoint.Issuer, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		mgr:         mgr,
		gw:          gw,
		store:       st,
		hub:         h,
		checkpoints: issuer,
		metrics:     metrics,
		health:      healthChecker,
	}
}

// SubmitJob handles POST /v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var d job.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.mgr.Submit(r.Context(), d)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, rec)
}

// ListJobs handles GET /v1/jobs
// Query params: sessionId, status, limit (all optional).
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		SessionID: r.URL.Query().Get("sessionId"),
		Status:    job.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	recs, err := h.mgr.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": recs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	rec, err := h.mgr.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// CancelJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	rec, err := h.mgr.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// GetLogs handles GET /v1/jobs/{jobId}/logs
// Query params: tail (optional, default 1000).
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	// 404 for unknown jobs rather than an empty list.
	if _, err := h.mgr.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	lines, err := h.store.Logs(r.Context(), jobID, tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "lines": lines})
}

// GetMetricHistory handles GET /v1/jobs/{jobId}/metrics
func (h *Handler) GetMetricHistory(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	if _, err := h.mgr.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	points, err := h.store.MetricHistory(r.Context(), jobID, 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "metrics": points})
}

// PresignCheckpoint handles POST /v1/jobs/{jobId}/checkpoints/presign
// Body: {"name": "...", "method": "PUT"|"GET", "ref": "..."}.
func (h *Handler) PresignCheckpoint(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		h.writeError(w, http.StatusNotImplemented, "checkpoint storage is not configured")
		return
	}

	jobID := r.PathValue("jobId")
	if _, err := h.mgr.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		Name   string `json:"name"`
		Method string `json:"method"`
		Ref    string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var grant *checkpoint.Grant
	var err error
	switch req.Method {
	case "", http.MethodPut:
		grant, err = h.checkpoints.PresignPut(r.Context(), jobID, req.Name)
	case http.MethodGet:
		grant, err = h.checkpoints.PresignGet(r.Context(), req.Ref)
	default:
		h.writeError(w, http.StatusBadRequest, "method must be PUT or GET")
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, grant)
}

// CallbackStarted handles POST /internal/callbacks/{jobId}/started
func (h *Handler) CallbackStarted(w http.ResponseWriter, r *http.Request) {
	var cb job.StartedCallback
	if !h.decodeCallback(w, r, &cb) {
		return
	}

	rec, outcome, err := h.gw.ApplyStarted(r.Context(), r.PathValue("jobId"), cb)
	h.writeCallbackResult(w, r, "started", rec, outcome, err)
}

// CallbackProgress handles POST /internal/callbacks/{jobId}/progress
func (h *Handler) CallbackProgress(w http.ResponseWriter, r *http.Request) {
	var cb job.ProgressCallback
	if !h.decodeCallback(w, r, &cb) {
		return
	}

	rec, outcome, err := h.gw.ApplyProgress(r.Context(), r.PathValue("jobId"), cb)
	h.writeCallbackResult(w, r, "progress", rec, outcome, err)
}

// CallbackCompletion handles POST /internal/callbacks/{jobId}/completion
func (h *Handler) CallbackCompletion(w http.ResponseWriter, r *http.Request) {
	var cb job.CompletionCallback
	if !h.decodeCallback(w, r, &cb) {
		return
	}

	rec, outcome, err := h.gw.ApplyCompletion(r.Context(), r.PathValue("jobId"), cb)
	h.writeCallbackResult(w, r, "completion", rec, outcome, err)
}

func (h *Handler) decodeCallback(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) writeCallbackResult(w http.ResponseWriter, r *http.Request, kind string,
	rec *job.Record, outcome gateway.Outcome, err error) {
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordCallbackRejected(r.Context(), kind)
		}
		h.handleError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCallbackAccepted(r.Context(), kind)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome,
		"status":  rec.Status,
		"version": rec.Version,
	})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while a dependency (store, backend) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate
// HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
