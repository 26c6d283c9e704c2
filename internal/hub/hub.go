// Package hub fans job events out to live subscribers (SSE streams,
// in-process listeners). Delivery is best effort: each subscriber has
// a bounded buffer, and a slow consumer loses the oldest events rather
// than blocking publishers. The store remains the source of truth;
// subscribers that fall behind re-read it.
package hub

import (
	"sync"

	"trainengine/internal/job"
)

// defaultBuffer is the per-subscriber event buffer.
const defaultBuffer = 256

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	C <-chan job.Event

	hub    *Hub
	ch     chan job.Event
	key    subKey
	id     int
	mu     sync.Mutex
	behind bool
	closed bool
}

// Behind reports whether events were dropped since the last call and
// clears the flag. A behind subscriber should resync from the store.
func (s *Subscription) Behind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.behind
	s.behind = false
	return b
}

func (s *Subscription) markBehind() {
	s.mu.Lock()
	s.behind = true
	s.mu.Unlock()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type subKey struct {
	kind string // "job" or "session"
	id   string
}

// Hub routes events to subscribers keyed by job ID or session ID.
type Hub struct {
	mu     sync.RWMutex
	subs   map[subKey]map[int]*Subscription
	nextID int
	buffer int

	dropped uint64
}

// New creates a hub. buffer is the per-subscriber queue depth; zero
// means the default.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[subKey]map[int]*Subscription),
		buffer: buffer,
	}
}

// SubscribeJob returns a subscription for one job's events.
func (h *Hub) SubscribeJob(jobID string) *Subscription {
	return h.subscribe(subKey{kind: "job", id: jobID})
}

// SubscribeSession returns a subscription for all events of a
// session's jobs.
func (h *Hub) SubscribeSession(sessionID string) *Subscription {
	return h.subscribe(subKey{kind: "session", id: sessionID})
}

func (h *Hub) subscribe(key subKey) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan job.Event, h.buffer)
	sub := &Subscription{C: ch, hub: h, ch: ch, key: key, id: h.nextID}
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]*Subscription)
	}
	h.subs[key][sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	if m := h.subs[sub.key]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(h.subs, sub.key)
		}
	}
	close(sub.ch)
}

// Publish delivers the event to all matching subscribers without
// blocking. A full subscriber buffer sheds its oldest event and the
// subscriber is flagged behind.
func (h *Hub) Publish(ev job.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.deliver(subKey{kind: "job", id: ev.JobID}, ev)
	if ev.SessionID != "" {
		h.deliver(subKey{kind: "session", id: ev.SessionID}, ev)
	}
}

func (h *Hub) deliver(key subKey, ev job.Event) {
	for _, sub := range h.subs[key] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Buffer full: shed the oldest, then retry once. Publish is
		// the only sender, so the retry cannot block.
		select {
		case <-sub.ch:
			h.dropped++
			sub.markBehind()
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close detaches every subscriber and closes their channels. Publishes
// after Close find no subscribers and are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, m := range h.subs {
		for id, sub := range m {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
			delete(m, id)
		}
		delete(h.subs, key)
	}
}

// Stats describes the hub's current state.
type Stats struct {
	Subscribers int
	Dropped     uint64
}

// Stats returns subscriber and drop counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return Stats{Subscribers: n, Dropped: h.dropped}
}
