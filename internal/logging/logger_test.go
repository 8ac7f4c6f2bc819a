package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jordanella.com/screen-vision/internal/events"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		" INFO ":  LogLevelInfo,
		"warning": LogLevelWarn,
		"Warn":    LogLevelWarn,
		"error":   LogLevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("Stream").SetOutput(&buf).SetMinLevel(LogLevelWarn)

	logger.Info("hidden")
	logger.WarnWithContext("Session failed", map[string]interface{}{"zeta": 1, "alpha": "x"})
	logger.Error("Decoder exited", errors.New("exit status 1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at WARN")
	}
	if !strings.Contains(out, "WARN [Stream] Session failed | alpha=x zeta=1") {
		t.Errorf("context should be sorted, got %q", out)
	}
	if !strings.Contains(out, "ERROR [Stream] Decoder exited | error=exit status 1") {
		t.Errorf("missing error line in %q", out)
	}
	if logger.Enabled(LogLevelDebug) || !logger.Enabled(LogLevelError) {
		t.Error("Enabled does not follow the minimum level")
	}
}

func TestDefaultLevelAppliesToNewLoggers(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLevel(LogLevelDebug)
	SetDefaultOutput(&buf)
	defer func() {
		SetDefaultLevel(LogLevelInfo)
		SetDefaultOutput(os.Stdout)
	}()

	NewLogger("Matcher").Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG [Matcher] visible") {
		t.Errorf("got %q", buf.String())
	}
}

func TestContextLoggerMerges(t *testing.T) {
	var buf bytes.Buffer
	cl := NewLogger("Stream").SetOutput(&buf).WithContext(map[string]interface{}{"device": "emulator-5554"})

	cl.InfoWith("Frame received", map[string]interface{}{"frame": 3})
	cl.Info("Started")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "device=emulator-5554 frame=3") {
		t.Errorf("merged context missing in %q", lines[0])
	}
	if strings.Contains(lines[1], "frame=") {
		t.Errorf("extra context leaked into base context: %q", lines[1])
	}
}

func TestErrorReporterHistory(t *testing.T) {
	er := NewErrorReporter(3)
	er.SetLogger(NewLogger("ErrorReporter").SetOutput(&bytes.Buffer{}))

	for i := 0; i < 5; i++ {
		er.ReportError(ErrorCategoryStream, ErrorSeverityMedium, "Stream", "session failed", errors.New("eof"), nil)
	}
	er.ReportCriticalError(ErrorCategoryDecoder, "Decoder", "ffmpeg missing", errors.New("not found"), nil)

	recent := er.GetRecentErrors(10)
	if len(recent) != 3 {
		t.Fatalf("history holds %d reports, want 3", len(recent))
	}
	if recent[2].Category != ErrorCategoryDecoder {
		t.Errorf("newest report should be last, got %v", recent[2].Category)
	}

	stats := er.GetErrorStats()
	if stats["total"] != 3 || stats["category_stream"] != 2 || stats["non_recoverable"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	if got := er.GetErrorsByCategory(ErrorCategoryStream, 1); len(got) != 1 {
		t.Errorf("GetErrorsByCategory returned %d reports, want 1", len(got))
	}

	er.Clear()
	if len(er.GetRecentErrors(5)) != 0 {
		t.Error("Clear should empty the history")
	}
}

func TestEventLoggerWritesEvents(t *testing.T) {
	bus := events.NewEventBus(4)
	dir := t.TempDir()

	el, err := NewEventLogger(bus, filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("NewEventLogger returned error: %v", err)
	}

	bus.Publish(events.NewStreamStartedEvent("emulator-5554", "sess-1", "framed"))
	bus.Stop()
	if err := el.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(el.Path())
	if err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	if !strings.Contains(string(data), "stream started on emulator-5554 (framed)") || !strings.Contains(string(data), "session_id=sess-1") {
		t.Errorf("unexpected log contents %q", data)
	}
	if err := el.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestEventLoggerSkipsTypes(t *testing.T) {
	bus := events.NewEventBus(4)
	el, err := NewEventLogger(bus, t.TempDir(), WithoutEvents(events.EventTypeScreenChanged))
	if err != nil {
		t.Fatalf("NewEventLogger returned error: %v", err)
	}

	bus.Publish(events.NewScreenChangedEvent(12))
	bus.Publish(events.NewMatchTimeoutEvent("ok_button", 2*time.Second))
	bus.Stop()
	el.Close()

	data, _ := os.ReadFile(el.Path())
	if strings.Contains(string(data), "screen changed") {
		t.Errorf("skipped event was written: %q", data)
	}
	if !strings.Contains(string(data), "gave up on ok_button after 2000ms") {
		t.Errorf("timeout event missing: %q", data)
	}
}

func TestErrorReporterRepeatWindow(t *testing.T) {
	var buf bytes.Buffer
	er := NewErrorReporter(10)
	er.SetLogger(NewLogger("ErrorReporter").SetOutput(&buf))
	er.SetRepeatWindow(time.Minute)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		er.Report(&ErrorReport{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Category:  ErrorCategoryStream,
			Severity:  ErrorSeverityMedium,
			Component: "Stream",
			Message:   "session failed",
		})
	}
	if n := strings.Count(buf.String(), "session failed"); n != 1 {
		t.Errorf("logged %d copies inside the window, want 1", n)
	}

	er.Report(&ErrorReport{
		Timestamp: base.Add(2 * time.Minute),
		Category:  ErrorCategoryStream,
		Severity:  ErrorSeverityMedium,
		Component: "Stream",
		Message:   "session failed",
	})
	if !strings.Contains(buf.String(), "repeated=2") {
		t.Errorf("expected the skipped count on the next line, got %q", buf.String())
	}

	stats := er.GetErrorStats()
	if stats["total"] != 4 || stats["suppressed"] != 2 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestErrorReporterOnAnyError(t *testing.T) {
	er := NewErrorReporter(10)
	er.SetLogger(NewLogger("ErrorReporter").SetOutput(&bytes.Buffer{}))

	got := make(chan ErrorSeverity, 4)
	er.OnAnyError(func(r *ErrorReport) { got <- r.Severity })

	for _, severity := range AllSeverities {
		er.ReportError(ErrorCategoryMatching, severity, "Vision", "lookup failed", nil, nil)
	}

	seen := map[ErrorSeverity]bool{}
	for range AllSeverities {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("callback not invoked")
		}
	}
	if len(seen) != len(AllSeverities) {
		t.Errorf("callbacks saw %v", seen)
	}
}
