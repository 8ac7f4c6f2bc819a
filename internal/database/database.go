package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"jordanella.com/screen-vision/internal/logging"
)

// MemoryPath opens a private in-memory journal
const MemoryPath = ":memory:"

// busyTimeout covers the journal being read by the journal command while a
// capture run is writing to it
const busyTimeout = 5 * time.Second

// DB is the SQLite journal of stream sessions, match results and errors
type DB struct {
	conn   *sql.DB
	path   string
	logger *logging.Logger
}

// dsn adds the go-sqlite3 connection parameters to a file path
func dsn(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	if path != MemoryPath {
		params.Set("_journal_mode", "WAL")
	}
	return path + "?" + params.Encode()
}

// Open opens or creates the journal at path. The parent directory is created
// when missing.
func Open(path string) (*DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps writes serialized and an in-memory database shared
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		logger: logging.NewLogger("Database"),
	}, nil
}

// WithLogger replaces the database logger
func (db *DB) WithLogger(l *logging.Logger) *DB {
	if l != nil {
		db.logger = l
	}
	return db
}

// Close closes the connection
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn exposes the connection for ad hoc queries
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the path the journal was opened with
func (db *DB) Path() string {
	return db.path
}

// ExecTx runs fn in a transaction, committing when it returns nil
func (db *DB) ExecTx(fn func(*sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// GetVersion returns the applied schema version
func (db *DB) GetVersion() (int, error) {
	return db.getCurrentVersion()
}

// Backup writes a consistent copy of the journal to backupPath, replacing an
// existing file
func (db *DB) Backup(backupPath string) error {
	if err := os.MkdirAll(filepath.Dir(backupPath), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace backup: %w", err)
	}
	if _, err := db.conn.Exec("VACUUM INTO ?", backupPath); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	db.logger.InfoWithContext("Journal backed up", map[string]interface{}{"path": backupPath})
	return nil
}

// journalTables are the tables counted by GetStats and trimmed by Prune,
// with the column that dates their rows
var journalTables = []struct {
	name   string
	column string
}{
	{"stream_sessions", "started_at"},
	{"stream_failures", "occurred_at"},
	{"match_log", "occurred_at"},
	{"error_log", "occurred_at"},
}

// GetStats counts the rows of every journal table
func (db *DB) GetStats() (map[string]int64, error) {
	stats := make(map[string]int64, len(journalTables))
	for _, table := range journalTables {
		var count int64
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table.name).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table.name, err)
		}
		stats[table.name] = count
	}
	return stats, nil
}

// Prune deletes every row dated before olderThan in one transaction and
// returns the number removed per table. Running sessions are kept.
func (db *DB) Prune(olderThan time.Time) (map[string]int64, error) {
	removed := make(map[string]int64, len(journalTables))
	err := db.ExecTx(func(tx *sql.Tx) error {
		for _, table := range journalTables {
			query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table.name, table.column)
			if table.name == "stream_sessions" {
				query += " AND status != '" + SessionRunning + "'"
			}
			result, err := tx.Exec(query, olderThan)
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", table.name, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			removed[table.name] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.logger.InfoWithContext("Journal pruned", map[string]interface{}{
		"before":   olderThan.Format(time.RFC3339),
		"sessions": removed["stream_sessions"],
		"matches":  removed["match_log"],
		"errors":   removed["error_log"],
	})
	return removed, nil
}
