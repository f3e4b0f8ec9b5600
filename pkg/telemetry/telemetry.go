package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of sync event.
type EventType string

const (
	EventFrameReceived    EventType = "frame.received"
	EventFrameDropped     EventType = "frame.dropped"
	EventChannelOpened    EventType = "channel.opened"
	EventChannelClosed    EventType = "channel.closed"
	EventChannelLost      EventType = "channel.lost"
	EventPollCompleted    EventType = "poll.completed"
	EventPollFailed       EventType = "poll.failed"
	EventPhaseChanged     EventType = "phase.changed"
	EventPhaseRejected    EventType = "phase.rejected"
	EventAnomaly          EventType = "store.anomaly"
	EventActionFailed     EventType = "action.failed"
	EventSubgroupAssigned EventType = "subgroup.assigned"
	EventResultsFetched   EventType = "results.fetched"
)

// Event describes sync activity that the watch command and debug server
// can stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fans out events to any number of subscribers. A nil *Hub drops
// everything.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, 64)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
