// Package streaming provides in-memory pub/sub for per-thread turn
// events, with a bounded replay ring per thread for Last-Event-ID
// style resumption.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted during a turn.
const (
	EventNode  = "node"
	EventDone  = "done"
	EventError = "error"
)

// Event is one step of a streamed turn. Node events name the graph
// node that just completed; a turn ends with exactly one done or
// error event.
type Event struct {
	ThreadID  string    `json:"thread_id"`
	Type      string    `json:"type"`
	Node      string    `json:"node,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Terminal reports whether the event ends its turn's stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Marshal returns the event's JSON for SSE payloads or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans turn events out to subscribers and keeps a per-thread
// ring of recent events for replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose per-thread replay rings hold
// capacity events each.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a channel for a thread's events. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(threadID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[threadID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[threadID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(threadID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[threadID]; ok {
		if _, member := subs[ch]; !member {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, threadID)
		}
	}
}

// Publish assigns the event its sequence number, records it in the
// thread's replay ring, and delivers it to subscribers without
// blocking. Slow subscribers drop events; the ring keeps them for
// replay.
func (m *Manager) Publish(threadID string, evt Event) Event {
	evt.ThreadID = threadID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[threadID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[threadID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[threadID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// ReplaySince returns buffered events with Seq > since, best effort
// within the ring capacity.
func (m *Manager) ReplaySince(threadID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[threadID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards a thread's replay history once the conversation is
// deleted.
func (m *Manager) Drop(threadID string) {
	m.mu.Lock()
	delete(m.history, threadID)
	m.mu.Unlock()
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
