// Package telemetry fans out engine lifecycle events to any number of
// subscribers (the websocket event stream, the message bus bridge, tests).
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	EventStepStarted EventType = "step.started"
	EventStepRetried EventType = "step.retried"
	EventStepSkipped EventType = "step.skipped"
	EventStepFailed  EventType = "step.failed"

	EventSessionCreated   EventType = "session.created"
	EventSessionDestroyed EventType = "session.destroyed"
	EventSessionDegraded  EventType = "session.degraded"
	EventSessionRecovered EventType = "session.recovered"

	EventPoolExhausted   EventType = "pool.exhausted"
	EventPoolUnavailable EventType = "pool.unavailable"
	EventPoolRecovered   EventType = "pool.recovered"

	EventSnapshotCaptured EventType = "snapshot.captured"
	EventWorkflowReloaded EventType = "workflow.reloaded"
)

// Event describes engine telemetry that API clients can consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if a
// subscriber's buffer is full so a slow client never stalls a task.
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

// Subscribe returns a channel that will receive future events and a cleanup
// func.
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
