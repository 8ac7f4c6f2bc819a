package database

import (
	"time"
)

// Session statuses
const (
	SessionRunning = "running"
	SessionEnded   = "ended"   // replaced by the next session of the same stream
	SessionFailed  = "failed"
	SessionStopped = "stopped"
)

// StreamSession is one run of the capture command
type StreamSession struct {
	ID           int        `db:"id"`
	SessionID    string     `db:"session_id"`
	RunID        string     `db:"run_id"`
	Device       string     `db:"device"`
	Format       string     `db:"format"`
	StartedAt    time.Time  `db:"started_at"`
	EndedAt      *time.Time `db:"ended_at"`
	Frames       int64      `db:"frames"`
	Status       string     `db:"status"`
	ErrorMessage *string    `db:"error_message"`
}

// StreamFailure records a failed session or the stream giving up
type StreamFailure struct {
	ID                  int       `db:"id"`
	RunID               string    `db:"run_id"`
	SessionID           *string   `db:"session_id"`
	Device              string    `db:"device"`
	ConsecutiveFailures int       `db:"consecutive_failures"`
	Unavailable         bool      `db:"unavailable"`
	ErrorMessage        *string   `db:"error_message"`
	OccurredAt          time.Time `db:"occurred_at"`
}

// MatchRecord is one template lookup outcome
type MatchRecord struct {
	ID         int       `db:"id"`
	RunID      string    `db:"run_id"`
	Template   string    `db:"template"`
	Found      bool      `db:"found"`
	X          *int      `db:"x"`
	Y          *int      `db:"y"`
	Confidence *float64  `db:"confidence"`
	TimeoutMs  *int64    `db:"timeout_ms"`
	OccurredAt time.Time `db:"occurred_at"`
}

// TemplateStats aggregates the match log for one template
type TemplateStats struct {
	Template      string     `db:"template"`
	FoundCount    int        `db:"found_count"`
	MissedCount   int        `db:"missed_count"`
	AvgConfidence *float64   `db:"avg_confidence"`
	LastSeen      *time.Time `db:"last_seen"`
}

// ErrorLog is a reported error
type ErrorLog struct {
	ID         int       `db:"id"`
	RunID      string    `db:"run_id"`
	Category   string    `db:"category"`
	Severity   string    `db:"severity"`
	Component  string    `db:"component"`
	Message    string    `db:"message"`
	ErrorText  *string   `db:"error_text"`
	OccurredAt time.Time `db:"occurred_at"`
}
