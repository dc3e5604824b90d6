package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBarsUpserted    EventType = "BARS_UPSERTED"
	EventBarFinalized    EventType = "BAR_FINALIZED"
	EventBackfillUpdate  EventType = "BACKFILL_UPDATE"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventSignalEvaluated EventType = "SIGNAL_EVALUATED"
	EventRunStarted      EventType = "RUN_STARTED"
	EventRunCompleted    EventType = "RUN_COMPLETED"
	EventSchedulerState  EventType = "SCHEDULER_STATE"
	EventStreamStatus    EventType = "STREAM_STATUS"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBarsUpserted publishes a bar write event
func (eb *EventBus) PublishBarsUpserted(symbol, interval string, inserted, updated int) {
	eb.Publish(Event{
		Type: EventBarsUpserted,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"interval": interval,
			"inserted": inserted,
			"updated":  updated,
		},
	})
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(symbol, signalType string, entry, stop, target, confidence float64) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"signal_type": signalType,
			"entry_price": entry,
			"stop_loss":   stop,
			"target":      target,
			"confidence":  confidence,
		},
	})
}

// PublishRunStarted publishes a prediction run start event
func (eb *EventBus) PublishRunStarted(runID string, symbols int) {
	eb.Publish(Event{
		Type: EventRunStarted,
		Data: map[string]interface{}{
			"run_id":  runID,
			"symbols": symbols,
		},
	})
}

// PublishRunCompleted publishes a prediction run completion event
func (eb *EventBus) PublishRunCompleted(runID, status string, processed, signals int, totalMS int64) {
	eb.Publish(Event{
		Type: EventRunCompleted,
		Data: map[string]interface{}{
			"run_id":    runID,
			"status":    status,
			"processed": processed,
			"signals":   signals,
			"total_ms":  totalMS,
		},
	})
}

// PublishSchedulerState publishes a scheduler state transition
func (eb *EventBus) PublishSchedulerState(status string) {
	eb.Publish(Event{
		Type: EventSchedulerState,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishStreamStatus publishes a market data stream connect/disconnect event
func (eb *EventBus) PublishStreamStatus(connected bool, reason string) {
	eb.Publish(Event{
		Type: EventStreamStatus,
		Data: map[string]interface{}{
			"connected": connected,
			"reason":    reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
