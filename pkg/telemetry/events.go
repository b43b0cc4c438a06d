package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a change request lifecycle notification for external subscribers
// such as notification delivery.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// TenantID owns the change request.
	TenantID string `json:"tenant_id"`

	// ChangeRequestID is the subject of the event.
	ChangeRequestID string `json:"change_request_id"`

	// WorkspaceID is the targeted workspace.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// From and To are the states of a transition event.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message,omitempty"`
}

// Event types.
const (
	EventTypeTransition       = "change_request.transition"
	EventTypeAwaitingApproval = "change_request.awaiting_approval"
	EventTypeFailed           = "change_request.failed"
)

// EventSubscriber handles events. It runs on the publisher's delivery goroutine
// and must not block for long.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers asynchronously. Publish never
// blocks; when the buffer is full the event is dropped and counted.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	dropped     atomic.Int64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
	}
	ep.wg.Add(1)
	go ep.processEvents()
	return ep
}

// Publish enqueues an event.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || ep.buffer == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	defer func() {
		// Publishing after Shutdown is a no-op.
		if recover() != nil {
			ep.dropped.Add(1)
		}
	}()
	select {
	case ep.buffer <- event:
	default:
		ep.dropped.Add(1)
	}
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Dropped returns the number of events dropped because the buffer was full.
func (ep *EventPublisher) Dropped() int64 {
	if ep == nil {
		return 0
	}
	return ep.dropped.Load()
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued events to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.buffer) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTenant creates a filter that only allows events of one tenant.
func FilterByTenant(tenantID string) EventFilter {
	return func(event Event) bool {
		return event.TenantID == tenantID
	}
}
