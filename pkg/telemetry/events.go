package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txtx/txtx/pkg/stores"
	"github.com/txtx/txtx/pkg/types"
)

// Event represents a telemetry event of a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// ConstructDid is the associated construct, if applicable.
	ConstructDid types.ConstructDid `json:"construct_did,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeConstructStarted   = "construct.started"
	EventTypeConstructCompleted = "construct.completed"
	EventTypeConstructFailed    = "construct.failed"
	EventTypeSignerPhase        = "signer.phase"
	EventTypePollRetry          = "poll.retry"
	EventTypeActionItems        = "action_items.emitted"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. In async mode events are
// queued and delivered in order by a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closeOnce   sync.Once
	closed      chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		closed: make(chan struct{}),
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.closed:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, runbookKey string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "runloop",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s started", runID, runbookKey),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"runbook_key": runbookKey,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "runloop",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s finished with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, status, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "runloop",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s %s: %s", runID, status, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

// PublishConstructStarted publishes a construct started event.
func (ep *EventPublisher) PublishConstructStarted(runID string, did types.ConstructDid, label string) error {
	return ep.Publish(Event{
		Type:         EventTypeConstructStarted,
		Source:       "runloop",
		RunID:        runID,
		ConstructDid: did,
		Message:      fmt.Sprintf("Construct %s started", label),
		Level:        EventLevelInfo,
	})
}

// PublishConstructCompleted publishes a construct completed event.
func (ep *EventPublisher) PublishConstructCompleted(runID string, did types.ConstructDid, label string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeConstructCompleted,
		Source:       "runloop",
		RunID:        runID,
		ConstructDid: did,
		Message:      fmt.Sprintf("Construct %s completed", label),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishConstructFailed publishes a construct failed event.
func (ep *EventPublisher) PublishConstructFailed(runID string, did types.ConstructDid, label string, err error) error {
	d := types.AsDiagnostic(err)
	return ep.Publish(Event{
		Type:         EventTypeConstructFailed,
		Source:       "runloop",
		RunID:        runID,
		ConstructDid: did,
		Message:      fmt.Sprintf("Construct %s failed: %s", label, d.Message),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"class": string(d.Class),
			"code":  d.Code,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains what
// is left in the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.closed:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
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

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.closeOnce.Do(func() { close(ep.closed) })

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

// StoreSubscriber appends every event to the store's event log.
func StoreSubscriber(store stores.Store, logger *Logger) EventSubscriber {
	return func(event Event) {
		ev := &stores.Event{
			Level:     stores.EventLevel(event.Level),
			Kind:      event.Type,
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			runID := event.RunID
			ev.RunID = &runID
		}
		if event.ConstructDid != "" {
			did := event.ConstructDid
			ev.ConstructDid = &did
		}
		if len(event.Data) > 0 {
			raw, err := json.Marshal(event.Data)
			if err == nil {
				details := string(raw)
				ev.Details = &details
			}
		}
		if err := store.AppendEvent(context.Background(), ev); err != nil {
			logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to persist event")
		}
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(eventTypes ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByConstruct creates a filter that only allows events of one construct.
func FilterByConstruct(did types.ConstructDid) EventFilter {
	return func(event Event) bool {
		return event.ConstructDid == did
	}
}
