package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"jordanella.com/screen-vision/internal/events"
)

// EventLogger writes bus events to a per-run file, one readable line per event
type EventLogger struct {
	logger   *Logger
	bus      events.EventBus
	subID    events.SubscriptionID
	file     *os.File
	path     string
	skip     map[events.EventType]bool
	once     sync.Once
	closeErr error
}

// EventLoggerOption configures an EventLogger
type EventLoggerOption func(*EventLogger)

// WithoutEvents keeps the given event types out of the file. Use it for
// screen.changed on busy screens.
func WithoutEvents(types ...events.EventType) EventLoggerOption {
	return func(el *EventLogger) {
		for _, t := range types {
			el.skip[t] = true
		}
	}
}

// NewEventLogger opens events_<timestamp>.log in logDir and subscribes to
// every event type
func NewEventLogger(bus events.EventBus, logDir string, opts ...EventLoggerOption) (*EventLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(logDir, "events_"+time.Now().Format("2006-01-02_15-04-05")+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	el := &EventLogger{
		logger: NewLogger("Events").SetOutput(file).SetMinLevel(LogLevelDebug),
		bus:    bus,
		file:   file,
		path:   path,
		skip:   make(map[events.EventType]bool),
	}
	for _, opt := range opts {
		opt(el)
	}
	el.subID = bus.Subscribe(events.EventTypeAll, el.handleEvent)
	return el, nil
}

// Path returns the log file location
func (el *EventLogger) Path() string {
	return el.path
}

func (el *EventLogger) handleEvent(event events.Event) {
	if el.skip[event.Type] {
		return
	}

	fields := make(map[string]interface{}, len(event.Data)+1)
	for k, v := range event.Data {
		fields[k] = v
	}
	fields["source"] = event.Source

	message := describeEvent(event)
	switch event.Type {
	case events.EventTypeStreamFailed, events.EventTypeMatchTimeout:
		el.logger.WarnWithContext(message, fields)
	case events.EventTypeStreamUnavailable, events.EventTypeError:
		el.logger.ErrorWithContext(message, nil, fields)
	case events.EventTypeScreenChanged:
		el.logger.DebugWithContext(message, fields)
	default:
		el.logger.InfoWithContext(message, fields)
	}
}

// describeEvent renders the headline of a log line
func describeEvent(event events.Event) string {
	switch event.Type {
	case events.EventTypeStreamStarted:
		return fmt.Sprintf("stream started on %s (%s)", deviceName(event), event.String("format"))
	case events.EventTypeStreamStopped:
		return fmt.Sprintf("stream stopped on %s after %d frames", deviceName(event), event.Int("frames"))
	case events.EventTypeStreamFailed:
		return fmt.Sprintf("stream session failed on %s (%d in a row)", deviceName(event), event.Int("failures"))
	case events.EventTypeStreamUnavailable:
		return fmt.Sprintf("stream unavailable on %s after %d failures", deviceName(event), event.Int("failures"))
	case events.EventTypeMatchFound:
		conf, _ := event.Data["confidence"].(float64)
		return fmt.Sprintf("found %s at (%d,%d) conf=%.3f", event.String("template"), event.Int("x"), event.Int("y"), conf)
	case events.EventTypeMatchTimeout:
		return fmt.Sprintf("gave up on %s after %dms", event.String("template"), event.Int("timeout_ms"))
	case events.EventTypeScreenChanged:
		return fmt.Sprintf("screen changed (distance %d)", event.Int("distance"))
	case events.EventTypeError:
		return fmt.Sprintf("%s error in %s", event.Source, event.String("component"))
	}
	return string(event.Type)
}

func deviceName(event events.Event) string {
	if d := event.String("device"); d != "" {
		return d
	}
	return "default device"
}

// Close unsubscribes and closes the log file. It is safe to call twice.
func (el *EventLogger) Close() error {
	el.once.Do(func() {
		el.bus.Unsubscribe(el.subID)
		el.closeErr = el.file.Close()
	})
	return el.closeErr
}
