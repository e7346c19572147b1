// Package broadcast is the dependency-injected event capability handed to
// the orchestrator, so observers can watch runs without the orchestrator
// holding back-references to any of them.
package broadcast

import "sync"

// Event is a single broadcastable notification. Kind is one of "run",
// "state", "logs", "viewer-logs", "worker-logs", or an "sdk-*" name.
type Event struct {
	Kind string
	Data any
}

// Hub is a best-effort pub-sub broadcaster. Publish never blocks: a
// subscriber with a full channel simply misses the event.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its receive channel.
// Call Unsubscribe when done to release it.
func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel previously returned
// by Subscribe.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		if c == ch {
			delete(h.subs, c)
			close(c)
			return
		}
	}
}

// Publish sends ev to every current subscriber using a non-blocking send.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		select {
		case c <- ev:
		default:
			// Drop the event rather than blocking the publisher.
		}
	}
}
