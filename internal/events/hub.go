// Package events is an in-memory pub/sub for engine observations: plugin
// discovery changes, session lifecycle transitions, execute progress, and
// watchdog activity. A small ring buffer lets late subscribers and polling
// clients catch up on recent history.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypePluginDiscovered = "plugin.discovered"
	TypePluginUpdated    = "plugin.updated"
	TypePluginRemoved    = "plugin.removed"
	TypeSessionState     = "session.state"
	TypeExecuteStarted   = "execute.started"
	TypeExecuteStream    = "execute.stream"
	TypeExecuteFinished  = "execute.finished"
	TypeWatchdogMissed   = "watchdog.missed"
	TypeWatchdogKilled   = "watchdog.killed"
)

type Event struct {
	Seq    int64           `json:"seq"`
	Time   time.Time       `json:"time"`
	Type   string          `json:"type"`
	Plugin string          `json:"plugin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Hub fans events out to subscribers and keeps a ring of recent events for
// catch-up reads.
type Hub struct {
	nextSeq atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish broadcasts one event. data is marshaled to JSON; slow subscribers
// miss events rather than block the publisher.
func (h *Hub) Publish(eventType, plugin string, data any) {
	seq := h.nextSeq.Add(1)

	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		Seq:    seq,
		Time:   time.Now().UTC(),
		Type:   eventType,
		Plugin: plugin,
		Data:   payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. The returned cancel must be called to
// release it; the channel closes on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with Seq > lastSeq, oldest-first.
// lastSeq 0 returns everything still in the ring.
func (h *Hub) SnapshotSince(lastSeq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
