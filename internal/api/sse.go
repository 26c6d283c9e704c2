package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"trainengine/internal/hub"
)

const sseHeartbeat = 15 * time.Second

// JobEvents handles GET /v1/jobs/{jobId}/events - Server-Sent Events
// for one job. The stream pushes status, progress, checkpoint, and log
// events as they happen. When the subscriber falls behind the hub, a
// "resync" event tells the client to re-fetch the record.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if _, err := h.mgr.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.streamEvents(w, r, h.hub.SubscribeJob(jobID))
}

// SessionEvents handles GET /v1/sessions/{sessionId}/events - SSE for
// every job of a session.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "Session ID is required")
		return
	}

	h.streamEvents(w, r, h.hub.SubscribeSession(sessionID))
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, sub *hub.Subscription) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, open := <-sub.C:
			if !open {
				// Hub shut down; the client should reconnect.
				return
			}
			if sub.Behind() {
				if h.metrics != nil {
					h.metrics.RecordHubDropped(r.Context(), 1)
				}
				if err := writeSSE(w, "resync", map[string]string{"reason": "events dropped"}); err != nil {
					return
				}
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode SSE event", "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
