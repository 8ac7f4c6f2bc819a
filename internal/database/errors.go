package database

import (
	"fmt"
	"time"
)

const errorColumns = `id, run_id, category, severity, component, message, error_text, occurred_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanErrorLog(row rowScanner) (*ErrorLog, error) {
	e := &ErrorLog{}
	err := row.Scan(&e.ID, &e.RunID, &e.Category, &e.Severity, &e.Component, &e.Message, &e.ErrorText, &e.OccurredAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// LogError stores a reported error and returns its row id. An empty
// errorText is stored as NULL.
func (db *DB) LogError(runID, category, severity, component, message, errorText string, occurredAt time.Time) (int64, error) {
	result, err := db.conn.Exec(`
		INSERT INTO error_log (run_id, category, severity, component, message, error_text, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, category, severity, component, message, nullString(errorText), occurredAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert error log: %w", err)
	}
	return result.LastInsertId()
}

// GetErrorByID returns one stored error. A missing id returns sql.ErrNoRows.
func (db *DB) GetErrorByID(id int64) (*ErrorLog, error) {
	return scanErrorLog(db.conn.QueryRow(`SELECT `+errorColumns+` FROM error_log WHERE id = ?`, id))
}

// GetRecentErrors returns up to limit errors, newest first. An empty category
// matches every category; limit <= 0 means 100.
func (db *DB) GetRecentErrors(category string, limit int) ([]*ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT `+errorColumns+`
		FROM error_log
		WHERE ? = '' OR category = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, category, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*ErrorLog{}
	for rows.Next() {
		e, err := scanErrorLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// GetErrorStatsByCategory counts errors per category between start and end
func (db *DB) GetErrorStatsByCategory(start, end time.Time) (map[string]int, error) {
	return db.countErrorsBy("category", start, end)
}

// GetErrorStatsBySeverity counts errors per severity between start and end
func (db *DB) GetErrorStatsBySeverity(start, end time.Time) (map[string]int, error) {
	return db.countErrorsBy("severity", start, end)
}

// countErrorsBy groups on a fixed column name, never on caller input
func (db *DB) countErrorsBy(column string, start, end time.Time) (map[string]int, error) {
	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*) FROM error_log WHERE occurred_at BETWEEN ? AND ? GROUP BY %[1]s`, column)
	rows, err := db.conn.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// DeleteOldErrors removes errors that occurred before olderThan
func (db *DB) DeleteOldErrors(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM error_log WHERE occurred_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
