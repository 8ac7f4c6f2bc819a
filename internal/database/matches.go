package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Match log operations

// RecordMatch stores a successful template lookup
func (db *DB) RecordMatch(runID, template string, x, y int, confidence float64, occurredAt time.Time) error {
	return db.insertMatch(runID, template, true, &x, &y, &confidence, nil, occurredAt)
}

// RecordTimeout stores a wait that ended without the template appearing
func (db *DB) RecordTimeout(runID, template string, timeout time.Duration, occurredAt time.Time) error {
	ms := timeout.Milliseconds()
	return db.insertMatch(runID, template, false, nil, nil, nil, &ms, occurredAt)
}

func (db *DB) insertMatch(runID, template string, found bool, x, y *int, confidence *float64, timeoutMs *int64, occurredAt time.Time) error {
	return db.ExecTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO match_log (
				run_id, template, found, x, y, confidence, timeout_ms, occurred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, template, found, x, y, confidence, timeoutMs, occurredAt)
		if err != nil {
			return fmt.Errorf("failed to insert match record: %w", err)
		}
		return nil
	})
}

// GetMatchLog returns the most recent lookups, optionally for one template
func (db *DB) GetMatchLog(template string, limit int) ([]*MatchRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT id, run_id, template, found, x, y, confidence, timeout_ms, occurred_at
		FROM match_log
		WHERE ? = '' OR template = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, template, template, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*MatchRecord{}
	for rows.Next() {
		r := &MatchRecord{}
		err := rows.Scan(
			&r.ID, &r.RunID, &r.Template, &r.Found, &r.X, &r.Y,
			&r.Confidence, &r.TimeoutMs, &r.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetTemplateStats returns hit counts per template, most used first
func (db *DB) GetTemplateStats() ([]*TemplateStats, error) {
	rows, err := db.conn.Query(`
		SELECT template, found_count, missed_count, avg_confidence, last_seen
		FROM template_stats
		ORDER BY found_count + missed_count DESC, template
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []*TemplateStats{}
	for rows.Next() {
		s := &TemplateStats{}
		// aggregates lose the DATETIME column type, so last_seen comes back as text
		var lastSeen sql.NullString
		if err := rows.Scan(&s.Template, &s.FoundCount, &s.MissedCount, &s.AvgConfidence, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			if t, ok := parseTimestamp(lastSeen.String); ok {
				s.LastSeen = &t
			}
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
