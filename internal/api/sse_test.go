package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trainengine/internal/job"
	"trainengine/internal/testutil"
)

// readSSEFrame reads one "event:"/"data:" pair, skipping heartbeats.
func readSSEFrame(t *testing.T, r *bufio.Reader) (string, []byte) {
	t.Helper()
	var event string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return event, []byte(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestJobEvents_Stream(t *testing.T) {
	s := newTestServer(t, "")
	s.submit(t, "sse-job", "sleep 5")
	testutil.WaitForStatus(t, s.store, "sse-job", job.StatusRunning)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/jobs/sse-job/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// Publishing direct to the hub is enough; the handler only bridges.
	s.hub.Publish(job.Event{
		Type:   job.EventProgress,
		JobID:  "sse-job",
		Status: job.StatusRunning,
		Progress: &job.Progress{
			Epoch:   3,
			Metrics: map[string]float64{"loss": 0.2},
		},
		Time: time.Now().UTC(),
	})

	event, data := readSSEFrame(t, reader)
	if event != "progress" {
		t.Fatalf("event = %q", event)
	}
	var ev job.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.JobID != "sse-job" || ev.Progress == nil || ev.Progress.Epoch != 3 {
		t.Errorf("event = %+v", ev)
	}

	s.do(t, http.MethodDelete, "/v1/jobs/sse-job", nil)

	event, data = readSSEFrame(t, reader)
	if event != "status" {
		t.Fatalf("event = %q", event)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Status != job.StatusCancelled {
		t.Errorf("status = %s", ev.Status)
	}
}

func TestSessionEvents_Stream(t *testing.T) {
	s := newTestServer(t, "")
	s.submit(t, "sse-sess", "sleep 5")
	testutil.WaitForStatus(t, s.store, "sse-sess", job.StatusRunning)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/sess-api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	s.hub.Publish(job.LogEvent("sse-sess", "sess-api", "stdout", []string{"step 100"}))

	event, data := readSSEFrame(t, reader)
	if event != "log" {
		t.Fatalf("event = %q", event)
	}
	var ev job.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if len(ev.Lines) != 1 || ev.Lines[0] != "step 100" {
		t.Errorf("event = %+v", ev)
	}

	s.do(t, http.MethodDelete, "/v1/jobs/sse-sess", nil)
}

func TestJobEvents_UnknownJob(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/v1/jobs/ghost/events", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}
