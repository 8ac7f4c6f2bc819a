package database

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
)

// Journal persists stream, match and error events for one process run.
// Bus handlers run concurrently, so every write tolerates events arriving out
// of order.
type Journal struct {
	db     *DB
	bus    events.EventBus
	subID  events.SubscriptionID
	runID  string
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewJournal subscribes to every event on bus and records the ones it knows
func NewJournal(db *DB, bus events.EventBus) *Journal {
	j := &Journal{
		db:     db,
		bus:    bus,
		runID:  uuid.NewString(),
		logger: logging.NewLogger("Journal"),
	}
	j.subID = bus.Subscribe(events.EventTypeAll, j.handleEvent)
	j.logger.InfoWithContext("Journal started", map[string]interface{}{
		"run_id": j.runID,
		"path":   db.Path(),
	})
	return j
}

// RunID identifies this process run in every journal row
func (j *Journal) RunID() string {
	return j.runID
}

// AttachReporter records every report of r, whatever its severity
func (j *Journal) AttachReporter(r *logging.ErrorReporter) {
	r.OnAnyError(j.handleReport)
}

// Close stops recording. The database stays open.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	j.bus.Unsubscribe(j.subID)
}

func (j *Journal) handleReport(report *logging.ErrorReport) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	errText := ""
	if report.Error != nil {
		errText = report.Error.Error()
	}
	at := report.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	_, err := j.db.LogError(j.runID, string(report.Category), string(report.Severity),
		report.Component, report.Message, errText, at)
	if err != nil {
		j.logger.Error("Failed to record error report", err)
	}
}

func (j *Journal) handleEvent(e events.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	var err error
	switch e.Type {
	case events.EventTypeStreamStarted:
		err = j.db.StartSession(j.runID, e.String("session_id"), e.String("device"), e.String("format"), at)

	case events.EventTypeStreamStopped:
		err = j.db.EndSession(j.runID, e.String("session_id"), e.String("device"),
			SessionStopped, int64(e.Int("frames")), nil, at)

	case events.EventTypeStreamFailed:
		msg := e.String("error")
		err = j.db.EndSession(j.runID, e.String("session_id"), e.String("device"),
			SessionFailed, 0, nullString(msg), at)
		if err == nil {
			_, err = j.db.RecordFailure(j.runID, e.String("session_id"), e.String("device"),
				e.Int("failures"), false, msg, at)
		}

	case events.EventTypeStreamUnavailable:
		_, err = j.db.RecordFailure(j.runID, "", e.String("device"), e.Int("failures"), true,
			"stream unavailable", at)

	case events.EventTypeMatchFound:
		confidence, _ := e.Data["confidence"].(float64)
		err = j.db.RecordMatch(j.runID, e.String("template"), e.Int("x"), e.Int("y"), confidence, at)

	case events.EventTypeMatchTimeout:
		timeout := time.Duration(e.Int("timeout_ms")) * time.Millisecond
		err = j.db.RecordTimeout(j.runID, e.String("template"), timeout, at)

	case events.EventTypeError:
		_, err = j.db.LogError(j.runID, e.String("source"), "event", e.String("component"),
			"error event", e.String("error"), at)

	default:
		return
	}

	if err != nil {
		j.logger.ErrorWithContext("Failed to record event", err, map[string]interface{}{
			"type": string(e.Type),
		})
	}
}
