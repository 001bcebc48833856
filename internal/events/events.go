// Package events provides the in-process event bus. Ingestion runs, tasks,
// quality checks and maintenance jobs emit events here; the websocket
// stream and the structured log are the consumers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunCompleted EventType = "RUN_COMPLETED"
	RunFailed    EventType = "RUN_FAILED"
	RunCancelled EventType = "RUN_CANCELLED"

	TaskStarted   EventType = "TASK_STARTED"
	TaskCompleted EventType = "TASK_COMPLETED"
	TaskFailed    EventType = "TASK_FAILED"
	TaskBlocked   EventType = "TASK_BLOCKED"
	TaskCancelled EventType = "TASK_CANCELLED"

	QualityCheckFailed EventType = "QUALITY_CHECK_FAILED"
	GapsDetected       EventType = "GAPS_DETECTED"
	SchemaChanged      EventType = "SCHEMA_CHANGED"
	CompactionFinished EventType = "COMPACTION_FINISHED"
	BackupCompleted    EventType = "BACKUP_COMPLETED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type the stream handler may subscribe to.
var AllTypes = []EventType{
	RunStarted, RunCompleted, RunFailed, RunCancelled,
	TaskStarted, TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled,
	QualityCheckFailed, GapsDetected, SchemaChanged,
	CompactionFinished, BackupCompleted, ErrorOccurred,
}

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is a subscriber callback. Handlers run synchronously on the
// emitter's goroutine and must not block.
type Handler func(*Event)

// Bus is a simple synchronous publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit publishes an event to all matching handlers and logs it.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	handlers = append(handlers, b.handlers[eventType]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}

	eventJSON, _ := json.Marshal(event)
	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError publishes an error event.
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{"error": err.Error()}
	for k, v := range context {
		data[k] = v
	}
	b.Emit(ErrorOccurred, module, data)
}
