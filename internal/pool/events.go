package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillchat/quill/internal/pty"
)

type EventKind string

const (
	EventData      EventKind = "data"
	EventExit      EventKind = "exit"
	EventCreated   EventKind = "created"
	EventDestroyed EventKind = "destroyed"
	EventEvicted   EventKind = "evicted"
)

// Event is the pool-level notification stream the UI uses for status
// indicators. Data events carry raw output chunks in emission order per
// instance; no ordering holds across instances.
type Event struct {
	Kind       EventKind `json:"kind"`
	InstanceID string    `json:"instance_id"`
	Time       time.Time `json:"time"`
	Data       []byte    `json:"data,omitempty"`
	Exit       *pty.Exit `json:"exit,omitempty"`
}

// EventHub fans pool events out to subscribers, dropping on full buffers.
type EventHub struct {
	mu     sync.Mutex
	subs   map[int64]chan Event
	seq    int64
	closed bool
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int64]chan Event)}
}

func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 128
	}
	ch := make(chan Event, buffer)
	id := atomic.AddInt64(&h.seq, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}
}

func (h *EventHub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (h *EventHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
	h.mu.Unlock()
}
