// Package events records what the entity container does to deployments,
// instances and identities: deployments coming and going, instances created
// and discarded, entities created and removed, handles invalidated and
// invocations failing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/entity_engine/internal/engine/state"
)

// EventType classifies the kind of container event.
type EventType string

const (
	// Deployment events
	EventDeployed   EventType = "deployment.deployed"
	EventUndeployed EventType = "deployment.undeployed"

	// Instance events
	EventInstanceDiscarded EventType = "instance.discarded"

	// Identity events
	EventEntityCreated      EventType = "entity.created"
	EventEntityRemoved      EventType = "entity.removed"
	EventHandlesInvalidated EventType = "entity.handles_invalidated"

	// Invocation events
	EventSystemFailure      EventType = "invocation.system_failure"
	EventApplicationFailure EventType = "invocation.application_failure"
	EventUnauthorized       EventType = "invocation.unauthorized"
	EventRateLimited        EventType = "invocation.rate_limited"
	EventReentrancyRejected EventType = "invocation.reentrancy_rejected"

	// Timer events
	EventTimerScheduled EventType = "timer.scheduled"
	EventTimerCancelled EventType = "timer.cancelled"
	EventTimerFailed    EventType = "timer.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured container event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Deployment string          `json:"deployment,omitempty"`
	Method     string          `json:"method,omitempty"`
	Operation  state.Operation `json:"operation,omitempty"`
	PrimaryKey string          `json:"primary_key,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	TxID       string          `json:"tx_id,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler processes events as they occur.
type EventHandler func(Event)

// EventFilter decides whether an event should be processed.
type EventFilter func(Event) bool

// EventLogger is the interface for event logging.
type EventLogger interface {
	Log(event Event)
	LogWithContext(ctx context.Context, event Event)
	Subscribe(handler EventHandler) func()
	SubscribeFiltered(filter EventFilter, handler EventHandler) func()
	Recent(n int) []Event
	RecentByDeployment(deployment string, n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer keeps the most recent events in memory.
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
	filter  EventFilter
	handler EventHandler
}

// NewRingBuffer creates a ring buffer holding size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Log(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// LogWithContext copies the request id of ctx onto the event before logging it.
func (rb *RingBuffer) LogWithContext(ctx context.Context, event Event) {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		event.RequestID = id
	}
	rb.Log(event)
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter. The returned function
// unsubscribes.
func (rb *RingBuffer) SubscribeFiltered(filter EventFilter, handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
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

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.recent(n, nil)
}

// RecentByDeployment returns the most recent n events of one deployment.
func (rb *RingBuffer) RecentByDeployment(deployment string, n int) []Event {
	return rb.recent(n, func(e Event) bool { return e.Deployment == deployment })
}

// RecentByType returns the most recent n events of one type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.recent(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) recent(n int, keep EventFilter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

type requestIDKey struct{}

// WithRequestID adds a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// EventBuilder provides a fluent API for creating events.
type EventBuilder struct {
	event Event
}

// NewEvent creates a new EventBuilder.
func NewEvent(eventType EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Type:      eventType,
			Severity:  SeverityInfo,
			Timestamp: time.Now().UTC(),
		},
	}
}

// Deployment sets the deployment id.
func (b *EventBuilder) Deployment(id string) *EventBuilder {
	b.event.Deployment = id
	return b
}

// Method sets the method name.
func (b *EventBuilder) Method(name string) *EventBuilder {
	b.event.Method = name
	return b
}

// Operation sets the operation phase.
func (b *EventBuilder) Operation(op state.Operation) *EventBuilder {
	b.event.Operation = op
	return b
}

// PrimaryKey sets the primary key. Nil leaves it empty.
func (b *EventBuilder) PrimaryKey(pk any) *EventBuilder {
	if pk != nil {
		b.event.PrimaryKey = fmt.Sprint(pk)
	}
	return b
}

// Instance sets the instance id.
func (b *EventBuilder) Instance(id string) *EventBuilder {
	b.event.InstanceID = id
	return b
}

// Tx sets the transaction id.
func (b *EventBuilder) Tx(id string) *EventBuilder {
	b.event.TxID = id
	return b
}

// Severity sets the severity.
func (b *EventBuilder) Severity(severity Severity) *EventBuilder {
	b.event.Severity = severity
	return b
}

// Message sets the message.
func (b *EventBuilder) Message(msg string) *EventBuilder {
	b.event.Message = msg
	return b
}

// ErrorFrom sets the error and raises the severity to error.
func (b *EventBuilder) ErrorFrom(err error) *EventBuilder {
	if err != nil {
		b.event.Error = err.Error()
		b.event.Severity = SeverityError
	}
	return b
}

// Duration sets the duration.
func (b *EventBuilder) Duration(d time.Duration) *EventBuilder {
	b.event.Duration = d
	return b
}

// Metadata adds metadata.
func (b *EventBuilder) Metadata(key, value string) *EventBuilder {
	if b.event.Metadata == nil {
		b.event.Metadata = make(map[string]string)
	}
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *EventBuilder) Build() Event {
	if b.event.ID == "" {
		b.event.ID = uuid.NewString()
	}
	return b.event
}

// LogTo logs the event to the given logger.
func (b *EventBuilder) LogTo(logger EventLogger) {
	logger.Log(b.Build())
}

// LogToWithContext logs the event with context.
func (b *EventBuilder) LogToWithContext(ctx context.Context, logger EventLogger) {
	logger.LogWithContext(ctx, b.Build())
}

// NoOpLogger is an event logger that discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                                          {}
func (NoOpLogger) LogWithContext(context.Context, Event)              {}
func (NoOpLogger) Subscribe(EventHandler) func()                      { return func() {} }
func (NoOpLogger) SubscribeFiltered(EventFilter, EventHandler) func() { return func() {} }
func (NoOpLogger) Recent(int) []Event                                 { return nil }
func (NoOpLogger) RecentByDeployment(string, int) []Event             { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event                { return nil }
