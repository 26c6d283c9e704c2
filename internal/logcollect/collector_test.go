package logcollect

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"trainengine/internal/backend"
	"trainengine/internal/hub"
	"trainengine/internal/job"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu      sync.Mutex
	batches map[string][][]string // stream -> batches
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[string][][]string)}
}

func (m *memStore) AppendLogs(_ context.Context, _ string, stream string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[stream] = append(m.batches[stream], lines)
	return nil
}

func (m *memStore) all(stream string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, b := range m.batches[stream] {
		out = append(out, b...)
	}
	return out
}

func (m *memStore) batchCount(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches[stream])
}

func stream(name, content string) backend.LogStream {
	return backend.LogStream{Stream: name, R: io.NopCloser(strings.NewReader(content))}
}

func TestCollect_PersistsAllLines(t *testing.T) {
	st := newMemStore()
	c := New(Config{BatchSize: 4, FlushInterval: time.Hour}, st, nil, nil)

	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, fmt.Sprintf("epoch %d/10", i))
	}
	err := c.Collect(context.Background(), "j-1", "s-1", []backend.LogStream{
		stream("stdout", strings.Join(lines, "\n")+"\n"),
	})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	got := st.all("stdout")
	if len(got) != 10 {
		t.Fatalf("persisted %d lines, want 10", len(got))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line %d = %q, want %q", i, l, lines[i])
		}
	}
	// 10 lines at batch size 4: two full batches plus the EOF flush.
	if n := st.batchCount("stdout"); n != 3 {
		t.Errorf("batch count = %d, want 3", n)
	}
}

func TestCollect_BothStreams(t *testing.T) {
	st := newMemStore()
	c := New(Config{BatchSize: 64, FlushInterval: time.Hour}, st, nil, nil)

	err := c.Collect(context.Background(), "j-1", "s-1", []backend.LogStream{
		stream("stdout", "out 1\nout 2\n"),
		stream("stderr", "warn 1\n"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := st.all("stdout"); len(got) != 2 {
		t.Errorf("stdout lines = %v", got)
	}
	if got := st.all("stderr"); len(got) != 1 || got[0] != "warn 1" {
		t.Errorf("stderr lines = %v", got)
	}
}

func TestCollect_IdleFlush(t *testing.T) {
	st := newMemStore()
	c := New(Config{BatchSize: 1000, FlushInterval: 50 * time.Millisecond}, st, nil, nil)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- c.Collect(context.Background(), "j-1", "s-1", []backend.LogStream{
			{Stream: "stdout", R: pr},
		})
	}()

	if _, err := io.WriteString(pw, "loss=0.5\n"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.all("stdout")) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := st.all("stdout"); len(got) != 1 {
		t.Fatalf("idle flush did not happen: %v", got)
	}

	pw.Close()
	if err := <-done; err != nil {
		t.Errorf("Collect returned %v", err)
	}
}

func TestCollect_BroadcastsToHub(t *testing.T) {
	st := newMemStore()
	h := hub.New(16)
	c := New(Config{BatchSize: 64, FlushInterval: time.Hour}, st, h, nil)

	sub := h.SubscribeJob("j-1")
	defer sub.Close()

	err := c.Collect(context.Background(), "j-1", "s-1", []backend.LogStream{
		stream("stdout", "hello\nworld\n"),
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != job.EventLog || ev.Stream != "stdout" {
			t.Errorf("event = %+v", ev)
		}
		if len(ev.Lines) != 2 || ev.Lines[0] != "hello" {
			t.Errorf("lines = %v", ev.Lines)
		}
	case <-time.After(time.Second):
		t.Fatal("no log event published")
	}
}

func TestCollect_ContextCancelFlushes(t *testing.T) {
	st := newMemStore()
	c := New(Config{BatchSize: 1000, FlushInterval: time.Hour}, st, nil, nil)

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Collect(ctx, "j-1", "s-1", []backend.LogStream{{Stream: "stdout", R: pr}})
	}()

	if _, err := io.WriteString(pw, "partial batch\n"); err != nil {
		t.Fatal(err)
	}
	// Give the scanner time to hand the line over before cancelling.
	time.Sleep(100 * time.Millisecond)
	cancel()
	pw.Close()

	if err := <-done; err == nil {
		t.Error("expected context error")
	}
	if got := st.all("stdout"); len(got) != 1 || got[0] != "partial batch" {
		t.Errorf("pending batch lost on cancel: %v", got)
	}
}
