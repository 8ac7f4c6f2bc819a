package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error
}

// migrations is the ordered list of all database migrations
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create schema_version table",
		Up:          migration001Up,
		Down:        migration001Down,
	},
	{
		Version:     2,
		Description: "Create stream_sessions table",
		Up:          migration002Up,
		Down:        migration002Down,
	},
	{
		Version:     3,
		Description: "Create stream_failures table",
		Up:          migration003Up,
		Down:        migration003Down,
	},
	{
		Version:     4,
		Description: "Create match_log table",
		Up:          migration004Up,
		Down:        migration004Down,
	},
	{
		Version:     5,
		Description: "Create error_log table",
		Up:          migration005Up,
		Down:        migration005Down,
	},
	{
		Version:     6,
		Description: "Create template_stats view",
		Up:          migration006Up,
		Down:        migration006Down,
	},
}

// LatestVersion is the schema version after all migrations
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// RunMigrations runs all pending database migrations
func (db *DB) RunMigrations() error {
	currentVersion, err := db.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	db.logger.DebugWithContext("Checking migrations", map[string]interface{}{"version": currentVersion})

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		err := db.ExecTx(func(tx *sql.Tx) error {
			if err := migration.Up(tx); err != nil {
				return fmt.Errorf("migration %d failed: %w", migration.Version, err)
			}

			_, err := tx.Exec(`
				INSERT INTO schema_version (version, description, applied_at)
				VALUES (?, ?, ?)
			`, migration.Version, migration.Description, time.Now())

			return err
		})
		if err != nil {
			return err
		}

		db.logger.InfoWithContext("Applied migration", map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
	}

	return nil
}

// RollbackTo reverts migrations above version, newest first
func (db *DB) RollbackTo(version int) error {
	currentVersion, err := db.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		migration := migrations[i]
		if migration.Version <= version || migration.Version > currentVersion {
			continue
		}
		// version 1 drops schema_version itself
		err := db.ExecTx(func(tx *sql.Tx) error {
			if migration.Version > 1 {
				if _, err := tx.Exec(`DELETE FROM schema_version WHERE version = ?`, migration.Version); err != nil {
					return err
				}
			}
			if err := migration.Down(tx); err != nil {
				return fmt.Errorf("rollback of migration %d failed: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// getCurrentVersion returns the current schema version
func (db *DB) getCurrentVersion() (int, error) {
	var tableExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return 0, err
	}
	if !tableExists {
		return 0, nil
	}

	var version int
	err = db.conn.QueryRow(`
		SELECT COALESCE(MAX(version), 0)
		FROM schema_version
	`).Scan(&version)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// Migration 001: Schema version tracking table
func migration001Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			description TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	return err
}

func migration001Down(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS schema_version`)
	return err
}

// Migration 002: one row per capture session
func migration002Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE stream_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			device TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			frames INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			error_message TEXT
		);

		CREATE INDEX idx_sessions_device ON stream_sessions(device);
		CREATE INDEX idx_sessions_started ON stream_sessions(started_at);
		CREATE INDEX idx_sessions_status ON stream_sessions(status);
	`)
	return err
}

func migration002Down(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DROP INDEX IF EXISTS idx_sessions_status;
		DROP INDEX IF EXISTS idx_sessions_started;
		DROP INDEX IF EXISTS idx_sessions_device;
		DROP TABLE IF EXISTS stream_sessions;
	`)
	return err
}

// Migration 003: failed sessions and the unavailable transition
func migration003Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE stream_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			session_id TEXT,
			device TEXT NOT NULL DEFAULT '',
			consecutive_failures INTEGER NOT NULL,
			unavailable BOOLEAN NOT NULL DEFAULT 0,
			error_message TEXT,
			occurred_at DATETIME NOT NULL
		);

		CREATE INDEX idx_failures_device ON stream_failures(device);
		CREATE INDEX idx_failures_occurred ON stream_failures(occurred_at);
	`)
	return err
}

func migration003Down(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DROP INDEX IF EXISTS idx_failures_occurred;
		DROP INDEX IF EXISTS idx_failures_device;
		DROP TABLE IF EXISTS stream_failures;
	`)
	return err
}

// Migration 004: template match results
func migration004Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE match_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			template TEXT NOT NULL,
			found BOOLEAN NOT NULL,
			x INTEGER,
			y INTEGER,
			confidence REAL,
			timeout_ms INTEGER,
			occurred_at DATETIME NOT NULL
		);

		CREATE INDEX idx_match_template ON match_log(template);
		CREATE INDEX idx_match_occurred ON match_log(occurred_at);
	`)
	return err
}

func migration004Down(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DROP INDEX IF EXISTS idx_match_occurred;
		DROP INDEX IF EXISTS idx_match_template;
		DROP TABLE IF EXISTS match_log;
	`)
	return err
}

// Migration 005: reported errors
func migration005Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE error_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			error_text TEXT,
			occurred_at DATETIME NOT NULL
		);

		CREATE INDEX idx_error_category ON error_log(category);
		CREATE INDEX idx_error_occurred ON error_log(occurred_at);
	`)
	return err
}

func migration005Down(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DROP INDEX IF EXISTS idx_error_occurred;
		DROP INDEX IF EXISTS idx_error_category;
		DROP TABLE IF EXISTS error_log;
	`)
	return err
}

// Migration 006: per-template hit rates
func migration006Up(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE VIEW template_stats AS
		SELECT
			template,
			SUM(CASE WHEN found THEN 1 ELSE 0 END) AS found_count,
			SUM(CASE WHEN found THEN 0 ELSE 1 END) AS missed_count,
			AVG(CASE WHEN found THEN confidence END) AS avg_confidence,
			MAX(occurred_at) AS last_seen
		FROM match_log
		GROUP BY template
	`)
	return err
}

func migration006Down(tx *sql.Tx) error {
	_, err := tx.Exec(`DROP VIEW IF EXISTS template_stats`)
	return err
}
