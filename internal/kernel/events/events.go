// Package events provides the kernel's observability event bus. Every
// significant kernel occurrence (command dispatch, context transitions,
// feature mounts and crashes, overlay state changes, policy decisions) is
// logged here so the debug surfaces and tests can observe kernel behaviour
// without coupling to the components that produce it.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies the kind of kernel event.
type Type string

const (
	// Command bus events
	CommandInvoked          Type = "command.invoked"
	CommandSucceeded        Type = "command.succeeded"
	CommandFailed           Type = "command.failed"
	CommandValidationFailed Type = "command.validation_failed"
	CommandIdempotentReplay Type = "command.idempotent_replay"

	// Context manager events
	ContextSwitch Type = "context.switch"
	ContextPush   Type = "context.push"
	ContextPop    Type = "context.pop"

	// Policy guard events
	PolicyDenied  Type = "policy.denied"
	PolicyAllowed Type = "policy.allowed"

	// Feature host events
	FeatureMounted   Type = "feature.mounted"
	FeatureUnmounted Type = "feature.unmounted"
	FeatureCrashed   Type = "feature.crashed"
	FeatureRetried   Type = "feature.retried"

	// Overlay manager events
	OverlayOpened Type = "overlay.opened"
	OverlayClosed Type = "overlay.closed"
	OverlayDenied Type = "overlay.denied"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured kernel event.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Correlation fields
	AppID    string `json:"app_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String returns the JSON representation of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be delivered to a handler.
type Filter func(Event) bool

// Logger is the interface kernel components use to record events.
type Logger interface {
	Log(event Event)
	Subscribe(handler Handler) func()
	SubscribeFiltered(filter Filter, handler Handler) func()
	Recent(n int) []Event
	RecentByType(eventType Type, n int) []Event
	RecentByApp(appID string, n int) []Event
}

// RingBuffer is a thread-safe circular buffer of kernel events that also
// fans events out to subscribers.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates an event buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log records an event and notifies subscribers. Subscriber callbacks run
// outside the buffer lock so a slow handler cannot block producers holding it.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events and returns an unsubscribe
// function.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only receives events passing
// the filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n most recent events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByType returns up to n recent events of the given type, newest first.
func (rb *RingBuffer) RecentByType(eventType Type, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.Type == eventType })
}

// RecentByApp returns up to n recent events for the given app, newest first.
func (rb *RingBuffer) RecentByApp(appID string, n int) []Event {
	return rb.recentMatching(n, func(e Event) bool { return e.AppID == appID })
}

func (rb *RingBuffer) recentMatching(n int, match func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if match(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear drops all buffered events. Subscriptions are kept.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

// NoOpLogger discards all events. Useful as a default in tests.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event) {}

func (NoOpLogger) Subscribe(Handler) func() { return func() {} }

func (NoOpLogger) SubscribeFiltered(Filter, Handler) func() { return func() {} }

func (NoOpLogger) Recent(int) []Event { return nil }

func (NoOpLogger) RecentByType(Type, int) []Event { return nil }

func (NoOpLogger) RecentByApp(string, int) []Event { return nil }
