package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is a lifecycle notification published on the bus.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Sequence increases by one for every published event. Subscribers see
	// events in sequence order.
	Sequence uint64 `json:"sequence"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component (orchestrator, inventory).
	Source string `json:"source"`

	// JobID is the associated deployment job, if any.
	JobID string `json:"job_id,omitempty"`

	// TargetID is the associated target, if any.
	TargetID string `json:"target_id,omitempty"`

	// RecordID is the associated deployment record, if any.
	RecordID string `json:"record_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the registry and the orchestrator.
const (
	EventTypeTargetAdded      = "target-added"
	EventTypeGroupCreated     = "group-created"
	EventTypeJobStarted       = "job-started"
	EventTypeJobProgress      = "job-progress"
	EventTypeJobCompleted     = "job-completed"
	EventTypeJobFailed        = "job-failed"
	EventTypeJobCancelled     = "job-cancelled"
	EventTypeRecordUpdated    = "record-updated"
	EventTypeRecordRolledBack = "record-rolled-back"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("event bus closed")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventBus is an in-process publish/subscribe hub.
//
// Every published event is delivered at least once to every subscriber that
// was registered when it was published, and each subscriber receives events
// in publication order. Subscribers get their own queue so a slow handler
// never reorders or drops events for the others.
type EventBus struct {
	config EventsConfig

	// mu serializes publication so sequence order equals enqueue order.
	mu          sync.Mutex
	subscribers map[uint64]*subscription
	nextSubID   uint64
	sequence    uint64
	closed      bool

	pending atomic.Int64
	wg      sync.WaitGroup
}

type subscription struct {
	id      uint64
	handler EventSubscriber
	filter  EventFilter

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig) *EventBus {
	return &EventBus{
		config:      cfg,
		subscribers: make(map[uint64]*subscription),
	}
}

// Subscribe registers a handler. A nil filter receives every event.
// The returned function unregisters the handler; events already queued for it
// are still delivered.
func (b *EventBus) Subscribe(handler EventSubscriber, filter EventFilter) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{
		id:      b.nextSubID,
		handler: handler,
		filter:  filter,
		queue:   make([]Event, 0, b.config.BufferSize),
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subscribers[sub.id] = sub

	if b.config.EnableAsync {
		b.wg.Add(1)
		go b.run(sub)
	}

	return func() { b.unsubscribe(sub.id) }
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish assigns the event an ID, sequence number and timestamp, then queues
// it for every matching subscriber.
func (b *EventBus) Publish(event Event) error {
	if !b.config.Enabled {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	b.sequence++
	event.Sequence = b.sequence
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	targets := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		targets = append(targets, sub)
	}

	if b.config.EnableAsync {
		for _, sub := range targets {
			b.pending.Add(1)
			sub.enqueue(event)
		}
		b.mu.Unlock()
		return nil
	}

	// Synchronous delivery keeps the publish lock so concurrent publishers
	// cannot interleave. Handlers must not publish in this mode.
	defer b.mu.Unlock()
	for _, sub := range targets {
		deliver(sub.handler, event)
	}
	return nil
}

func (s *subscription) enqueue(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// run drains one subscriber queue in order until the subscription is closed
// and its queue is empty.
func (b *EventBus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 && sub.closed {
			sub.mu.Unlock()
			return
		}
		event := sub.queue[0]
		sub.queue[0] = Event{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		deliver(sub.handler, event)
		b.pending.Add(-1)
	}
}

func deliver(handler EventSubscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event_type", event.Type).
				Str("event_id", event.ID).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	handler(event)
}

// Flush blocks until every queued event has been handled or ctx is done.
func (b *EventBus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush events: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown stops accepting events, delivers what is queued and waits for the
// subscriber goroutines to exit.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown event bus: %w", ctx.Err())
	}
}

// FilterByType creates a filter that only allows specific event types.
func FilterByType(types ...string) EventFilter {
	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(event Event) bool {
		return allowed[event.Type]
	}
}

// FilterByJobID creates a filter that only allows events for one job.
func FilterByJobID(jobID string) EventFilter {
	return func(event Event) bool {
		return event.JobID == jobID
	}
}

// FilterByLevel creates a filter that allows events at or above a severity.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minRank := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= minRank
	}
}

// CombineFilters combines multiple filters with AND logic.
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
