package call

import (
	"sync"
	"time"

	"github.com/bianca-health/wellcall/internal/alerts"
	"github.com/bianca-health/wellcall/internal/database/models"
)

// Update is published on a call's hub whenever its state changes or an
// alert is raised during the call.
type Update struct {
	CallID  string
	Attempt int
	State   string
	Outcome models.Outcome
	Cause   string
	At      time.Time
	// Alert is set for alert changes; State is unchanged then.
	Alert *alerts.Change
}

// Hub fans out one call's updates to its subscribers. It lives as long as
// the call and is closed with it.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	next   int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Update)}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel func unregisters it. On a closed hub the channel is already closed.
func (h *Hub) Subscribe(buf int) (<-chan Update, func()) {
	ch := make(chan Update, buf)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers u to every subscriber. A subscriber whose buffer is
// full misses the update.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
