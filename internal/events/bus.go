package events

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type subscription struct {
	eventType EventType
	handler   EventHandler
}

// DefaultEventBus queues events and dispatches them from one goroutine. Each
// handler call runs in its own goroutine, so handlers must not assume the
// order events are delivered in.
type DefaultEventBus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]subscription
	byType map[EventType]int

	queue    chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	handlers sync.WaitGroup

	nextSubID atomic.Int64
	dropped   atomic.Int64

	// dropped events and handler panics are reported here
	diag io.Writer
}

// NewEventBus creates a bus queueing up to bufferSize events
func NewEventBus(bufferSize int) *DefaultEventBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	bus := &DefaultEventBus{
		subs:   make(map[SubscriptionID]subscription),
		byType: make(map[EventType]int),
		queue:  make(chan Event, bufferSize),
		stopCh: make(chan struct{}),
		diag:   os.Stderr,
	}

	bus.wg.Add(1)
	go bus.processEvents()
	return bus
}

// Subscribe registers handler for eventType, or for every event with EventTypeAll
func (eb *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) SubscriptionID {
	id := SubscriptionID(eb.nextSubID.Add(1))

	eb.mu.Lock()
	eb.subs[id] = subscription{eventType: eventType, handler: handler}
	eb.byType[eventType]++
	eb.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (eb *DefaultEventBus) Unsubscribe(id SubscriptionID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, ok := eb.subs[id]
	if !ok {
		return
	}
	delete(eb.subs, id)
	if eb.byType[sub.eventType]--; eb.byType[sub.eventType] == 0 {
		delete(eb.byType, sub.eventType)
	}
}

// Publish queues an event, blocking while the queue is full. Events published
// after Stop are dropped.
func (eb *DefaultEventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-eb.stopCh:
		eb.drop(event)
		return
	default:
	}

	select {
	case eb.queue <- event:
	case <-eb.stopCh:
		eb.drop(event)
	}
}

// PublishAsync sends an event asynchronously (non-blocking)
func (eb *DefaultEventBus) PublishAsync(event Event) {
	go eb.Publish(event)
}

// Stop stops the event bus, drains queued events and waits for running
// handlers. It is safe to call more than once.
func (eb *DefaultEventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.stopCh)
	})
	eb.wg.Wait()
	eb.handlers.Wait()
}

func (eb *DefaultEventBus) drop(event Event) {
	eb.dropped.Add(1)
	fmt.Fprintf(eb.diag, "[EventBus] Dropped event (bus stopped): %v\n", event.Type)
}

// processEvents runs in a goroutine and dispatches events to handlers
func (eb *DefaultEventBus) processEvents() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.queue:
			eb.dispatch(event)

		case <-eb.stopCh:
			for {
				select {
				case event := <-eb.queue:
					eb.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch hands the event to the subscribers of its type and to wildcard
// subscribers
func (eb *DefaultEventBus) dispatch(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, eb.byType[event.Type]+eb.byType[EventTypeAll])
	for _, sub := range eb.subs {
		if sub.eventType == event.Type || sub.eventType == EventTypeAll {
			handlers = append(handlers, sub.handler)
		}
	}
	eb.mu.RUnlock()

	for _, handler := range handlers {
		eb.handlers.Add(1)
		go eb.safeHandlerCall(handler, event)
	}
}

// safeHandlerCall calls a handler with panic recovery
func (eb *DefaultEventBus) safeHandlerCall(handler EventHandler, event Event) {
	defer eb.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(eb.diag, "[EventBus] Handler panic for event %v: %v\n", event.Type, r)
		}
	}()

	handler(event)
}

// GetSubscriberCount returns the number of subscribers for an event type
func (eb *DefaultEventBus) GetSubscriberCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.byType[eventType]
}

// GetQueueSize returns the current number of events in the queue
func (eb *DefaultEventBus) GetQueueSize() int {
	return len(eb.queue)
}

// Dropped returns how many events were discarded because the bus was stopped
func (eb *DefaultEventBus) Dropped() int64 {
	return eb.dropped.Load()
}
