package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Stream session operations

// StartSession records a new capture session. Sessions of the same device that
// are still running are marked ended, since a stream runs one session at a time.
func (db *DB) StartSession(runID, sessionID, device, format string, startedAt time.Time) error {
	return db.ExecTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE stream_sessions
			SET status = ?, ended_at = ?
			WHERE device = ? AND status = ? AND session_id != ?
		`, SessionEnded, startedAt, device, SessionRunning, sessionID)
		if err != nil {
			return fmt.Errorf("failed to close previous sessions: %w", err)
		}

		// the session may already exist when its end was journaled first
		_, err = tx.Exec(`
			INSERT INTO stream_sessions (session_id, run_id, device, format, started_at, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				format = excluded.format,
				started_at = excluded.started_at
		`, sessionID, runID, device, format, startedAt, SessionRunning)
		if err != nil {
			return fmt.Errorf("failed to insert stream session: %w", err)
		}
		return nil
	})
}

// EndSession closes a session with a final status
func (db *DB) EndSession(runID, sessionID, device, status string, frames int64, errorMessage *string, endedAt time.Time) error {
	return db.ExecTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO stream_sessions (
				session_id, run_id, device, started_at, ended_at, frames, status, error_message
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				ended_at = excluded.ended_at,
				frames = MAX(frames, excluded.frames),
				status = excluded.status,
				error_message = COALESCE(excluded.error_message, error_message)
		`, sessionID, runID, device, endedAt, endedAt, frames, status, errorMessage)
		if err != nil {
			return fmt.Errorf("failed to end stream session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by its session id
func (db *DB) GetSession(sessionID string) (*StreamSession, error) {
	session := &StreamSession{}
	err := db.conn.QueryRow(`
		SELECT
			id, session_id, run_id, device, format, started_at, ended_at,
			frames, status, error_message
		FROM stream_sessions
		WHERE session_id = ?
	`, sessionID).Scan(
		&session.ID, &session.SessionID, &session.RunID, &session.Device,
		&session.Format, &session.StartedAt, &session.EndedAt,
		&session.Frames, &session.Status, &session.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns the most recent sessions, optionally for one device
func (db *DB) ListSessions(device string, limit int) ([]*StreamSession, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT
			id, session_id, run_id, device, format, started_at, ended_at,
			frames, status, error_message
		FROM stream_sessions
		WHERE ? = '' OR device = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, device, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*StreamSession{}
	for rows.Next() {
		session := &StreamSession{}
		err := rows.Scan(
			&session.ID, &session.SessionID, &session.RunID, &session.Device,
			&session.Format, &session.StartedAt, &session.EndedAt,
			&session.Frames, &session.Status, &session.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// GetSessionStats counts sessions by status
func (db *DB) GetSessionStats() (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT status, COUNT(*)
		FROM stream_sessions
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}

	return stats, rows.Err()
}

// RecordFailure stores a failed session, or the stream becoming unavailable
// when unavailable is set
func (db *DB) RecordFailure(runID, sessionID, device string, failures int, unavailable bool, errorMessage string, occurredAt time.Time) (int64, error) {
	var id int64
	err := db.ExecTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO stream_failures (
				run_id, session_id, device, consecutive_failures, unavailable,
				error_message, occurred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, nullString(sessionID), device, failures, unavailable, nullString(errorMessage), occurredAt)
		if err != nil {
			return fmt.Errorf("failed to insert stream failure: %w", err)
		}

		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetFailures returns the most recent failures, optionally for one device
func (db *DB) GetFailures(device string, limit int) ([]*StreamFailure, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT
			id, run_id, session_id, device, consecutive_failures, unavailable,
			error_message, occurred_at
		FROM stream_failures
		WHERE ? = '' OR device = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, device, device, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []*StreamFailure{}
	for rows.Next() {
		f := &StreamFailure{}
		err := rows.Scan(
			&f.ID, &f.RunID, &f.SessionID, &f.Device, &f.ConsecutiveFailures,
			&f.Unavailable, &f.ErrorMessage, &f.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// DeleteOldSessions deletes sessions and failures older than the specified date
func (db *DB) DeleteOldSessions(olderThan time.Time) (int64, error) {
	var deleted int64
	err := db.ExecTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM stream_sessions WHERE started_at < ?`, olderThan)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return err
		}

		_, err = tx.Exec(`DELETE FROM stream_failures WHERE occurred_at < ?`, olderThan)
		return err
	})

	return deleted, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
