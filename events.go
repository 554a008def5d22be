package homesync

import (
	"fmt"
	"sync"
	"time"
)

// EventType classifies engine events delivered to listeners.
type EventType string

const (
	// EventSyncCompleted fires after a sync task finishes successfully.
	EventSyncCompleted EventType = "sync_completed"

	// EventSyncError fires when a task has exhausted its retries or hit a
	// terminal error.
	EventSyncError EventType = "sync_error"

	// EventEntitiesChanged fires when a merge changed the local collection.
	EventEntitiesChanged EventType = "entities_changed"
)

// Event is one engine notification.
type Event struct {
	Type       EventType   `json:"type"`
	EntityType EntityType  `json:"entityType,omitempty"`
	Operation  string      `json:"operation,omitempty"`
	UserID     string      `json:"userId,omitempty"`
	Changes    MergeResult `json:"changes,omitempty"`
	Err        error       `json:"-"`
	Time       time.Time   `json:"time"`
}

// EventSubscription is one listener's buffered event feed.
type EventSubscription struct {
	ID     string
	ch     chan Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel events arrive on.
func (s *EventSubscription) C() <-chan Event {
	return s.ch
}

// Close tears down the subscription.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventHub fans engine events out to subscribers. Delivery is best-effort:
// a subscriber that stops draining its buffer loses events rather than
// blocking the sync path.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]*EventSubscription
	nextID uint64
	buffer int
}

// NewEventHub creates a hub with the given per-subscription buffer size.
func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventHub{
		subs:   make(map[string]*EventSubscription),
		buffer: buffer,
	}
}

// Subscribe registers a new listener.
func (h *EventHub) Subscribe() *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &EventSubscription{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		ch:   make(chan Event, h.buffer),
		done: make(chan struct{}),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a listener.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers an event to every subscriber, dropping on full buffers.
func (h *EventHub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full, drop the event.
			}
		}
		sub.mu.Unlock()
	}
}

// Count returns the number of active subscriptions.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
