package database

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jordanella.com/screen-vision/internal/events"
	"jordanella.com/screen-vision/internal/logging"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDatabaseInitialization(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "nested", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	// running twice is a no-op
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Second migration run failed: %v", err)
	}

	version, err := db.GetVersion()
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if version != LatestVersion() || version != 6 {
		t.Errorf("Expected version 6, got %d", version)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestRollbackTo(t *testing.T) {
	db := openTestDB(t)

	if err := db.RollbackTo(3); err != nil {
		t.Fatalf("RollbackTo failed: %v", err)
	}
	version, _ := db.GetVersion()
	if version != 3 {
		t.Errorf("Expected version 3, got %d", version)
	}
	if _, err := db.Conn().Exec(`SELECT COUNT(*) FROM match_log`); err == nil {
		t.Error("match_log should be dropped")
	}

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("Failed to re-run migrations: %v", err)
	}
	version, _ = db.GetVersion()
	if version != 6 {
		t.Errorf("Expected version 6 after re-migrating, got %d", version)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.StartSession("run-1", "s1", "emulator-5554", "framed", base); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	session, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != SessionRunning || session.Format != "framed" || session.EndedAt != nil {
		t.Errorf("unexpected new session %+v", session)
	}
	if !session.StartedAt.Equal(base) {
		t.Errorf("Expected started_at %v, got %v", base, session.StartedAt)
	}

	// the next session of the same device supersedes the running one
	if err := db.StartSession("run-1", "s2", "emulator-5554", "framed", base.Add(time.Minute)); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	first, _ := db.GetSession("s1")
	if first.Status != SessionEnded || first.EndedAt == nil {
		t.Errorf("Expected s1 ended, got %+v", first)
	}

	if err := db.EndSession("run-1", "s2", "emulator-5554", SessionStopped, 42, nil, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	second, _ := db.GetSession("s2")
	if second.Status != SessionStopped || second.Frames != 42 {
		t.Errorf("unexpected stopped session %+v", second)
	}

	sessions, err := db.ListSessions("emulator-5554", 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "s2" {
		t.Errorf("Expected newest session first, got %d sessions", len(sessions))
	}
	if other, _ := db.ListSessions("other", 10); len(other) != 0 {
		t.Errorf("Expected no sessions for another device, got %d", len(other))
	}

	stats, err := db.GetSessionStats()
	if err != nil {
		t.Fatalf("GetSessionStats failed: %v", err)
	}
	if stats[SessionEnded] != 1 || stats[SessionStopped] != 1 {
		t.Errorf("unexpected session stats %v", stats)
	}
}

func TestEndBeforeStart(t *testing.T) {
	db := openTestDB(t)

	msg := "exit status 1"
	if err := db.EndSession("run-1", "s1", "dev", SessionFailed, 0, &msg, base.Add(time.Second)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if err := db.StartSession("run-1", "s1", "dev", "elementary", base); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	session, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != SessionFailed {
		t.Errorf("late start must not reopen a failed session, got %s", session.Status)
	}
	if session.Format != "elementary" || !session.StartedAt.Equal(base) {
		t.Errorf("start details not applied: %+v", session)
	}
	if session.ErrorMessage == nil || *session.ErrorMessage != msg {
		t.Errorf("error message lost: %v", session.ErrorMessage)
	}
}

func TestFailures(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.RecordFailure("run-1", "s1", "dev", 1, false, "broken pipe", base); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if _, err := db.RecordFailure("run-1", "", "dev", 5, true, "", base.Add(time.Second)); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	failures, err := db.GetFailures("dev", 0)
	if err != nil {
		t.Fatalf("GetFailures failed: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("Expected 2 failures, got %d", len(failures))
	}
	latest := failures[0]
	if !latest.Unavailable || latest.ConsecutiveFailures != 5 || latest.SessionID != nil || latest.ErrorMessage != nil {
		t.Errorf("unexpected unavailable record %+v", latest)
	}
	if failures[1].SessionID == nil || *failures[1].SessionID != "s1" {
		t.Errorf("unexpected failure record %+v", failures[1])
	}

	deleted, err := db.DeleteOldSessions(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldSessions failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected no sessions deleted, got %d", deleted)
	}
	if remaining, _ := db.GetFailures("", 0); len(remaining) != 0 {
		t.Errorf("Expected failures purged, got %d", len(remaining))
	}
}

func TestMatchLogAndStats(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordMatch("run-1", "ok_button", 100, 200, 0.95, base); err != nil {
		t.Fatalf("RecordMatch failed: %v", err)
	}
	if err := db.RecordMatch("run-1", "ok_button", 101, 199, 0.85, base.Add(time.Second)); err != nil {
		t.Fatalf("RecordMatch failed: %v", err)
	}
	if err := db.RecordTimeout("run-1", "ok_button", 5*time.Second, base.Add(2*time.Second)); err != nil {
		t.Fatalf("RecordTimeout failed: %v", err)
	}
	if err := db.RecordTimeout("run-1", "close", time.Second, base.Add(3*time.Second)); err != nil {
		t.Fatalf("RecordTimeout failed: %v", err)
	}

	log, err := db.GetMatchLog("ok_button", 10)
	if err != nil {
		t.Fatalf("GetMatchLog failed: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(log))
	}
	if log[0].Found || log[0].TimeoutMs == nil || *log[0].TimeoutMs != 5000 || log[0].X != nil {
		t.Errorf("unexpected timeout record %+v", log[0])
	}
	if !log[1].Found || *log[1].X != 101 || *log[1].Y != 199 {
		t.Errorf("unexpected match record %+v", log[1])
	}

	stats, err := db.GetTemplateStats()
	if err != nil {
		t.Fatalf("GetTemplateStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("Expected 2 templates, got %d", len(stats))
	}
	ok := stats[0]
	if ok.Template != "ok_button" || ok.FoundCount != 2 || ok.MissedCount != 1 {
		t.Errorf("unexpected stats %+v", ok)
	}
	if ok.AvgConfidence == nil || *ok.AvgConfidence < 0.899 || *ok.AvgConfidence > 0.901 {
		t.Errorf("Expected average confidence 0.9, got %v", ok.AvgConfidence)
	}
	if ok.LastSeen == nil || !ok.LastSeen.Equal(base.Add(2*time.Second)) {
		t.Errorf("unexpected last seen %v", ok.LastSeen)
	}
	if stats[1].AvgConfidence != nil {
		t.Errorf("template never found should have no average, got %v", *stats[1].AvgConfidence)
	}
}

func TestErrorLogging(t *testing.T) {
	db := openTestDB(t)

	id, err := db.LogError("run-1", "stream", "high", "stream", "session failed", "exit status 1", base)
	if err != nil {
		t.Fatalf("LogError failed: %v", err)
	}
	if _, err := db.LogError("run-1", "template", "low", "templates", "missing image", "", base.Add(time.Second)); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	entry, err := db.GetErrorByID(id)
	if err != nil {
		t.Fatalf("GetErrorByID failed: %v", err)
	}
	if entry.Category != "stream" || entry.ErrorText == nil || *entry.ErrorText != "exit status 1" {
		t.Errorf("unexpected error entry %+v", entry)
	}

	recent, err := db.GetRecentErrors("template", 10)
	if err != nil {
		t.Fatalf("GetRecentErrors failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ErrorText != nil {
		t.Errorf("unexpected template errors %+v", recent)
	}

	byCategory, err := db.GetErrorStatsByCategory(base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetErrorStatsByCategory failed: %v", err)
	}
	if byCategory["stream"] != 1 || byCategory["template"] != 1 {
		t.Errorf("unexpected category stats %v", byCategory)
	}
	bySeverity, _ := db.GetErrorStatsBySeverity(base.Add(-time.Hour), base.Add(time.Hour))
	if bySeverity["high"] != 1 {
		t.Errorf("unexpected severity stats %v", bySeverity)
	}

	deleted, err := db.DeleteOldErrors(base.Add(500 * time.Millisecond))
	if err != nil || deleted != 1 {
		t.Errorf("Expected 1 deleted error, got %d (%v)", deleted, err)
	}
}

func TestJournalRecordsEvents(t *testing.T) {
	db := openTestDB(t)
	bus := events.NewEventBus(64)
	defer bus.Stop()

	journal := NewJournal(db, bus)
	defer journal.Close()
	if journal.RunID() == "" {
		t.Fatal("Expected a run id")
	}

	bus.Publish(events.NewStreamStartedEvent("dev", "s1", "framed"))
	bus.Publish(events.NewStreamFailedEvent("dev", "s1", 1, errors.New("broken pipe")))
	bus.Publish(events.NewStreamUnavailableEvent("dev", 5))
	bus.Publish(events.NewMatchFoundEvent("ok_button", 10, 20, 0.97))
	bus.Publish(events.NewMatchTimeoutEvent("close", 3*time.Second))
	bus.Publish(events.NewErrorEvent("vision", "matcher", errors.New("bad template"), nil))

	eventually(t, "failed session", func() bool {
		s, err := db.GetSession("s1")
		return err == nil && s.Status == SessionFailed && s.Format == "framed"
	})
	eventually(t, "failure records", func() bool {
		f, _ := db.GetFailures("dev", 0)
		return len(f) == 2
	})
	eventually(t, "match records", func() bool {
		m, _ := db.GetMatchLog("", 0)
		return len(m) == 2
	})
	eventually(t, "error record", func() bool {
		e, _ := db.GetRecentErrors("vision", 0)
		return len(e) == 1
	})

	m, _ := db.GetMatchLog("ok_button", 0)
	if len(m) != 1 || m[0].RunID != journal.RunID() || *m[0].Confidence != 0.97 {
		t.Errorf("unexpected match record %+v", m)
	}
}

func TestJournalAttachReporter(t *testing.T) {
	db := openTestDB(t)
	bus := events.NewEventBus(8)
	defer bus.Stop()

	journal := NewJournal(db, bus)
	defer journal.Close()

	reporter := logging.NewErrorReporter(10)
	journal.AttachReporter(reporter)
	reporter.ReportError(logging.ErrorCategoryDecoder, logging.ErrorSeverityMedium,
		"decoder", "decode failed", errors.New("corrupt frame"), nil)

	eventually(t, "reported error", func() bool {
		e, _ := db.GetRecentErrors(string(logging.ErrorCategoryDecoder), 0)
		return len(e) == 1 && e[0].Severity == "medium" && e[0].Message == "decode failed"
	})
}

func TestJournalCloseStopsRecording(t *testing.T) {
	db := openTestDB(t)
	bus := events.NewEventBus(8)

	journal := NewJournal(db, bus)
	journal.Close()
	journal.Close()

	bus.Publish(events.NewMatchFoundEvent("ok_button", 1, 1, 0.9))
	bus.Stop()

	if m, _ := db.GetMatchLog("", 0); len(m) != 0 {
		t.Errorf("Expected nothing recorded after Close, got %d", len(m))
	}
}

func TestBackup(t *testing.T) {
	db := openTestDB(t)
	if err := db.StartSession("run-1", "s1", "dev", "framed", base); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backups", "copy.db")
	if err := db.Backup(backupPath); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	// a second backup replaces the first
	if err := db.Backup(backupPath); err != nil {
		t.Fatalf("Second backup failed: %v", err)
	}

	copyDB, err := Open(backupPath)
	if err != nil {
		t.Fatalf("Failed to open backup: %v", err)
	}
	defer copyDB.Close()

	if version, _ := copyDB.GetVersion(); version != 6 {
		t.Errorf("Expected backup at version 6, got %d", version)
	}
	if _, err := copyDB.GetSession("s1"); err != nil {
		t.Errorf("session missing from backup: %v", err)
	}

	stats, _ := db.GetStats()
	if stats["stream_sessions"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestTransactions(t *testing.T) {
	db := openTestDB(t)

	err := db.ExecTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO match_log (run_id, template, found, occurred_at) VALUES (?, ?, ?, ?)`,
			"run-1", "ok_button", true, base)
		if err != nil {
			return err
		}

		_, err = tx.Exec("INVALID SQL QUERY")
		return err
	})
	if err == nil {
		t.Fatal("Expected transaction error")
	}

	log, err := db.GetMatchLog("", 0)
	if err != nil {
		t.Fatalf("GetMatchLog failed: %v", err)
	}
	if len(log) != 0 {
		t.Error("Transaction did not rollback correctly")
	}
}

func TestPruneKeepsRunningSessions(t *testing.T) {
	db := openTestDB(t)

	db.StartSession("run-1", "old", "dev", "framed", base)
	db.EndSession("run-1", "old", "dev", SessionStopped, 10, nil, base.Add(time.Minute))
	db.StartSession("run-1", "live", "dev2", "framed", base)
	db.RecordMatch("run-1", "ok_button", 1, 2, 0.9, base)
	db.RecordMatch("run-1", "ok_button", 1, 2, 0.9, base.Add(2*time.Hour))
	db.LogError("run-1", "stream", "medium", "Stream", "session failed", "", base)

	removed, err := db.Prune(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed["stream_sessions"] != 1 || removed["match_log"] != 1 || removed["error_log"] != 1 {
		t.Errorf("unexpected prune counts %v", removed)
	}

	if _, err := db.GetSession("live"); err != nil {
		t.Errorf("running session was pruned: %v", err)
	}
	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["match_log"] != 1 || stats["error_log"] != 0 {
		t.Errorf("unexpected stats after prune %v", stats)
	}
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if version, _ := db.GetVersion(); version != LatestVersion() {
		t.Errorf("Expected version %d, got %d", LatestVersion(), version)
	}
}
