package events

import "time"

// EventType represents different types of events in the system
type EventType string

const (
	// EventTypeAll subscribes a handler to every event
	EventTypeAll EventType = "*"

	// Stream lifecycle events
	EventTypeStreamStarted     EventType = "stream.started"
	EventTypeStreamStopped     EventType = "stream.stopped"
	EventTypeStreamFailed      EventType = "stream.failed"
	EventTypeStreamUnavailable EventType = "stream.unavailable"

	// Vision events
	EventTypeMatchFound    EventType = "match.found"
	EventTypeMatchTimeout  EventType = "match.timeout"
	EventTypeScreenChanged EventType = "screen.changed"

	// Error events
	EventTypeError EventType = "error"
)

// Event represents a system event with metadata
type Event struct {
	Type      EventType              // Type of event
	Source    string                 // Component that emitted event (e.g., "stream", "vision")
	Timestamp time.Time              // When the event occurred
	Data      map[string]interface{} // Event-specific data
}

// String returns a data field as a string, or "" when missing
func (e Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// Int returns a data field as an int, or 0 when missing
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// EventHandler is a function that processes an event
type EventHandler func(Event)

// SubscriptionID uniquely identifies a subscription
type SubscriptionID int64

// EventBus defines the interface for event pub/sub
type EventBus interface {
	// Subscribe registers a handler for a specific event type, or EventTypeAll
	Subscribe(eventType EventType, handler EventHandler) SubscriptionID

	// Unsubscribe removes a subscription by ID
	Unsubscribe(id SubscriptionID)

	// Publish sends an event to all subscribers (blocking until queued)
	Publish(event Event)

	// PublishAsync sends an event asynchronously (non-blocking)
	PublishAsync(event Event)

	// Stop stops the event bus and drains remaining events
	Stop()
}

// Helper functions to create common events

// NewStreamStartedEvent creates a stream started event
func NewStreamStartedEvent(device, sessionID, format string) Event {
	return Event{
		Type:      EventTypeStreamStarted,
		Source:    "stream",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"device":     device,
			"session_id": sessionID,
			"format":     format,
		},
	}
}

// NewStreamStoppedEvent creates a stream stopped event
func NewStreamStoppedEvent(device, sessionID string, frames int64) Event {
	return Event{
		Type:      EventTypeStreamStopped,
		Source:    "stream",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"device":     device,
			"session_id": sessionID,
			"frames":     frames,
		},
	}
}

// NewStreamFailedEvent creates an event for one failed streaming session
func NewStreamFailedEvent(device, sessionID string, failures int, err error) Event {
	return Event{
		Type:      EventTypeStreamFailed,
		Source:    "stream",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"device":     device,
			"session_id": sessionID,
			"failures":   failures,
			"error":      err.Error(),
		},
	}
}

// NewStreamUnavailableEvent creates an event for a stream that gave up retrying
func NewStreamUnavailableEvent(device string, failures int) Event {
	return Event{
		Type:      EventTypeStreamUnavailable,
		Source:    "stream",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"device":   device,
			"failures": failures,
		},
	}
}

// NewMatchFoundEvent creates a match found event
func NewMatchFoundEvent(template string, x, y int, confidence float64) Event {
	return Event{
		Type:      EventTypeMatchFound,
		Source:    "vision",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"template":   template,
			"x":          x,
			"y":          y,
			"confidence": confidence,
		},
	}
}

// NewMatchTimeoutEvent creates an event for a wait that ran out of time
func NewMatchTimeoutEvent(template string, timeout time.Duration) Event {
	return Event{
		Type:      EventTypeMatchTimeout,
		Source:    "vision",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"template":   template,
			"timeout_ms": timeout.Milliseconds(),
		},
	}
}

// NewScreenChangedEvent creates an event for a perceptual screen change
func NewScreenChangedEvent(distance int) Event {
	return Event{
		Type:      EventTypeScreenChanged,
		Source:    "vision",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"distance": distance,
		},
	}
}

// NewErrorEvent creates an error event
func NewErrorEvent(source, component string, err error, metadata map[string]interface{}) Event {
	data := map[string]interface{}{
		"source":    source,
		"component": component,
		"error":     err.Error(),
	}

	for k, v := range metadata {
		data[k] = v
	}

	return Event{
		Type:      EventTypeError,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}
