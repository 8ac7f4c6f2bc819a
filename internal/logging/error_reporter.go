package logging

import (
	"sync"
	"time"
)

// ErrorCategory groups errors by the pipeline stage that raised them
type ErrorCategory string

const (
	ErrorCategoryStream    ErrorCategory = "stream"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryDecoder   ErrorCategory = "decoder"
	ErrorCategoryMatching  ErrorCategory = "matching"
	ErrorCategoryTemplate  ErrorCategory = "template"
	ErrorCategoryDatabase  ErrorCategory = "database"
	ErrorCategoryConfig    ErrorCategory = "config"
)

// ErrorSeverity decides the log level a report is written at
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// AllSeverities lists the severities from least to most severe
var AllSeverities = []ErrorSeverity{
	ErrorSeverityLow,
	ErrorSeverityMedium,
	ErrorSeverityHigh,
	ErrorSeverityCritical,
}

// ErrorReport is one reported error
type ErrorReport struct {
	Timestamp   time.Time              `json:"timestamp"`
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Message     string                 `json:"message"`
	Error       error                  `json:"error"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

// ErrorCallback is called when an error is reported
type ErrorCallback func(report *ErrorReport)

type repeatKey struct {
	category  ErrorCategory
	component string
	message   string
}

type repeatState struct {
	lastLogged time.Time
	suppressed int
}

// ErrorReporter logs errors, keeps a ring of the latest reports and fans them
// out to severity callbacks.
//
// A stream that keeps failing reports the same error once per retry. With a
// repeat window set, identical reports inside the window are kept in the
// history and dispatched but only the first one is logged; the next logged
// report carries the number of copies that were skipped.
type ErrorReporter struct {
	mu           sync.RWMutex
	logger       *Logger
	ring         []*ErrorReport
	next         int
	full         bool
	repeatWindow time.Duration
	repeats      map[repeatKey]*repeatState
	suppressed   int

	callbacksMu sync.RWMutex
	callbacks   map[ErrorSeverity][]ErrorCallback
}

// NewErrorReporter creates a reporter keeping up to maxHistory reports
func NewErrorReporter(maxHistory int) *ErrorReporter {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &ErrorReporter{
		logger:    NewLogger("ErrorReporter"),
		ring:      make([]*ErrorReport, maxHistory),
		repeats:   make(map[repeatKey]*repeatState),
		callbacks: make(map[ErrorSeverity][]ErrorCallback),
	}
}

// SetLogger sets the logger reports are written to
func (er *ErrorReporter) SetLogger(logger *Logger) {
	er.mu.Lock()
	er.logger = logger
	er.mu.Unlock()
}

// SetRepeatWindow enables repeat suppression. Zero logs every report.
func (er *ErrorReporter) SetRepeatWindow(window time.Duration) {
	er.mu.Lock()
	er.repeatWindow = window
	er.repeats = make(map[repeatKey]*repeatState)
	er.mu.Unlock()
}

// Report logs, stores and dispatches a report
func (er *ErrorReporter) Report(report *ErrorReport) {
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	er.mu.Lock()
	er.ring[er.next] = report
	er.next = (er.next + 1) % len(er.ring)
	if er.next == 0 {
		er.full = true
	}
	skipped, log := er.admit(report)
	logger := er.logger
	er.mu.Unlock()

	if log {
		writeReport(logger, report, skipped)
	}
	er.dispatch(report)
}

// admit applies the repeat window. Callers hold er.mu.
func (er *ErrorReporter) admit(report *ErrorReport) (skipped int, log bool) {
	if er.repeatWindow <= 0 {
		return 0, true
	}
	key := repeatKey{report.Category, report.Component, report.Message}
	state, seen := er.repeats[key]
	if !seen {
		er.repeats[key] = &repeatState{lastLogged: report.Timestamp}
		return 0, true
	}
	if report.Timestamp.Sub(state.lastLogged) < er.repeatWindow {
		state.suppressed++
		er.suppressed++
		return 0, false
	}
	skipped = state.suppressed
	state.suppressed = 0
	state.lastLogged = report.Timestamp
	return skipped, true
}

// ReportError reports a recoverable error
func (er *ErrorReporter) ReportError(category ErrorCategory, severity ErrorSeverity, component, message string, err error, context map[string]interface{}) {
	er.Report(&ErrorReport{
		Category:    category,
		Severity:    severity,
		Component:   component,
		Message:     message,
		Error:       err,
		Context:     context,
		Recoverable: true,
	})
}

// ReportCriticalError reports an error the pipeline cannot recover from
func (er *ErrorReporter) ReportCriticalError(category ErrorCategory, component, message string, err error, context map[string]interface{}) {
	er.Report(&ErrorReport{
		Category:  category,
		Severity:  ErrorSeverityCritical,
		Component: component,
		Message:   message,
		Error:     err,
		Context:   context,
	})
}

func writeReport(logger *Logger, report *ErrorReport, skipped int) {
	fields := make(map[string]interface{}, len(report.Context)+4)
	for k, v := range report.Context {
		fields[k] = v
	}
	fields["category"] = string(report.Category)
	fields["severity"] = string(report.Severity)
	fields["component"] = report.Component
	if skipped > 0 {
		fields["repeated"] = skipped
	}

	switch report.Severity {
	case ErrorSeverityCritical:
		logger.FatalWithContext(report.Message, report.Error, fields)
	case ErrorSeverityHigh:
		logger.ErrorWithContext(report.Message, report.Error, fields)
	case ErrorSeverityMedium:
		if report.Error != nil {
			fields["error"] = report.Error.Error()
		}
		logger.WarnWithContext(report.Message, fields)
	default:
		if report.Error != nil {
			fields["error"] = report.Error.Error()
		}
		logger.DebugWithContext(report.Message, fields)
	}
}

func (er *ErrorReporter) dispatch(report *ErrorReport) {
	er.callbacksMu.RLock()
	callbacks := er.callbacks[report.Severity]
	er.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		go callback(report)
	}
}

// OnError registers a callback for one severity
func (er *ErrorReporter) OnError(severity ErrorSeverity, callback ErrorCallback) {
	er.callbacksMu.Lock()
	defer er.callbacksMu.Unlock()
	er.callbacks[severity] = append(er.callbacks[severity], callback)
}

// OnAnyError registers a callback for every severity
func (er *ErrorReporter) OnAnyError(callback ErrorCallback) {
	for _, severity := range AllSeverities {
		er.OnError(severity, callback)
	}
}

// history returns the stored reports oldest first. Callers hold er.mu.
func (er *ErrorReporter) history() []*ErrorReport {
	if !er.full {
		return er.ring[:er.next]
	}
	out := make([]*ErrorReport, 0, len(er.ring))
	out = append(out, er.ring[er.next:]...)
	return append(out, er.ring[:er.next]...)
}

// GetRecentErrors returns the n most recent errors, oldest first
func (er *ErrorReporter) GetRecentErrors(n int) []*ErrorReport {
	er.mu.RLock()
	defer er.mu.RUnlock()

	all := er.history()
	if n > len(all) {
		n = len(all)
	}
	result := make([]*ErrorReport, n)
	copy(result, all[len(all)-n:])
	return result
}

// GetErrorsByCategory returns up to limit errors of category, newest first
func (er *ErrorReporter) GetErrorsByCategory(category ErrorCategory, limit int) []*ErrorReport {
	er.mu.RLock()
	defer er.mu.RUnlock()

	all := er.history()
	var result []*ErrorReport
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if all[i].Category == category {
			result = append(result, all[i])
		}
	}
	return result
}

// GetErrorStats counts stored errors under "total", "severity_<s>",
// "category_<c>", "recoverable" and "non_recoverable". "suppressed" counts
// reports the repeat window kept out of the log since the last Clear.
func (er *ErrorReporter) GetErrorStats() map[string]int {
	er.mu.RLock()
	defer er.mu.RUnlock()

	all := er.history()
	stats := map[string]int{"total": len(all), "suppressed": er.suppressed}
	for _, report := range all {
		stats["severity_"+string(report.Severity)]++
		stats["category_"+string(report.Category)]++
		if report.Recoverable {
			stats["recoverable"]++
		} else {
			stats["non_recoverable"]++
		}
	}
	return stats
}

// Clear drops the history and the repeat state
func (er *ErrorReporter) Clear() {
	er.mu.Lock()
	defer er.mu.Unlock()
	for i := range er.ring {
		er.ring[i] = nil
	}
	er.next = 0
	er.full = false
	er.suppressed = 0
	er.repeats = make(map[repeatKey]*repeatState)
}
