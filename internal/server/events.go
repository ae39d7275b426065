package server

import (
	"sync"
	"time"
)

// Event is a join/leave notification for monitoring consumers. It crosses
// from relay goroutines to subscribers only through buffered channels;
// subscribers that fall behind lose events rather than stalling the relay.
type Event struct {
	Kind      string    `json:"kind"` // "join" or "leave"
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Time      time.Time `json:"time"`
}

type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *eventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *eventHub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
