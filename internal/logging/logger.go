package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var levelRank = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// ParseLogLevel accepts level names in any case; "warning" is accepted for WARN
func ParseLogLevel(s string) (LogLevel, error) {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LogLevelWarn
	}
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Package defaults picked up by NewLogger
var (
	defaultsMu     sync.RWMutex
	defaultLevel   = LogLevelInfo
	defaultOutputs = []io.Writer{os.Stdout}
)

// SetDefaultLevel changes the minimum level of loggers created afterwards
func SetDefaultLevel(level LogLevel) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaultLevel = level
}

// SetDefaultOutput changes where loggers created afterwards write
func SetDefaultOutput(w ...io.Writer) {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	defaultOutputs = append([]io.Writer(nil), w...)
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Error     error                  `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Logger provides structured logging functionality
type Logger struct {
	component string
	minLevel  LogLevel
	outputs   []io.Writer
	mu        sync.Mutex
	formatter LogFormatter
}

// LogFormatter formats log entries for output
type LogFormatter interface {
	Format(entry *LogEntry) string
}

// TextFormatter formats logs as human-readable text. Context keys are
// written in sorted order.
type TextFormatter struct{}

func (f *TextFormatter) Format(entry *LogEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s [%s] %s",
		entry.Timestamp.Format("2006-01-02 15:04:05.000"), entry.Level, entry.Component, entry.Message)

	if entry.Error != nil {
		fmt.Fprintf(&sb, " | error=%v", entry.Error)
	}

	if len(entry.Context) > 0 {
		keys := make([]string, 0, len(entry.Context))
		for k := range entry.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, entry.Context[k])
		}
	}

	sb.WriteByte('\n')
	return sb.String()
}

// NewLogger creates a new logger for a specific component
func NewLogger(component string) *Logger {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()

	return &Logger{
		component: component,
		minLevel:  defaultLevel,
		outputs:   append([]io.Writer(nil), defaultOutputs...),
		formatter: &TextFormatter{},
	}
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// SetMinLevel sets the minimum log level to output
func (l *Logger) SetMinLevel(level LogLevel) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	return l
}

// AddOutput adds an output writer for logs
func (l *Logger) AddOutput(w io.Writer) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs = append(l.outputs, w)
	return l
}

// SetOutput replaces all output writers
func (l *Logger) SetOutput(w ...io.Writer) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outputs = append([]io.Writer(nil), w...)
	return l
}

// SetFormatter sets the log formatter
func (l *Logger) SetFormatter(formatter LogFormatter) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.formatter = formatter
	return l
}

// Enabled reports whether messages at level are written
func (l *Logger) Enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldLog(level)
}

// log writes a log entry
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldLog(level) {
		return
	}

	entry := &LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Component: l.component,
		Message:   message,
		Error:     err,
		Context:   context,
	}

	formatted := []byte(l.formatter.Format(entry))
	for _, output := range l.outputs {
		output.Write(formatted)
	}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(LogLevelDebug, message, nil, nil)
}

// DebugWithContext logs a debug message with context
func (l *Logger) DebugWithContext(message string, context map[string]interface{}) {
	l.log(LogLevelDebug, message, nil, context)
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(LogLevelInfo, message, nil, nil)
}

// InfoWithContext logs an info message with context
func (l *Logger) InfoWithContext(message string, context map[string]interface{}) {
	l.log(LogLevelInfo, message, nil, context)
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(LogLevelWarn, message, nil, nil)
}

// WarnWithContext logs a warning message with context
func (l *Logger) WarnWithContext(message string, context map[string]interface{}) {
	l.log(LogLevelWarn, message, nil, context)
}

// Error logs an error message
func (l *Logger) Error(message string, err error) {
	l.log(LogLevelError, message, err, nil)
}

// ErrorWithContext logs an error message with context
func (l *Logger) ErrorWithContext(message string, err error, context map[string]interface{}) {
	l.log(LogLevelError, message, err, context)
}

// Fatal logs a fatal error message. It does not exit.
func (l *Logger) Fatal(message string, err error) {
	l.log(LogLevelFatal, message, err, nil)
}

// FatalWithContext logs a fatal error message with context
func (l *Logger) FatalWithContext(message string, err error, context map[string]interface{}) {
	l.log(LogLevelFatal, message, err, context)
}

// WithContext returns a logger that adds context to every message
func (l *Logger) WithContext(context map[string]interface{}) *ContextLogger {
	return &ContextLogger{
		logger:  l,
		context: context,
	}
}

// ContextLogger is a logger with pre-set context
type ContextLogger struct {
	logger  *Logger
	context map[string]interface{}
}

func (cl *ContextLogger) merge(extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return cl.context
	}
	merged := make(map[string]interface{}, len(cl.context)+len(extra))
	for k, v := range cl.context {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// Debug logs a debug message with pre-set context
func (cl *ContextLogger) Debug(message string) {
	cl.logger.log(LogLevelDebug, message, nil, cl.context)
}

// DebugWith logs a debug message with pre-set and extra context
func (cl *ContextLogger) DebugWith(message string, extra map[string]interface{}) {
	cl.logger.log(LogLevelDebug, message, nil, cl.merge(extra))
}

// Info logs an info message with pre-set context
func (cl *ContextLogger) Info(message string) {
	cl.logger.log(LogLevelInfo, message, nil, cl.context)
}

// InfoWith logs an info message with pre-set and extra context
func (cl *ContextLogger) InfoWith(message string, extra map[string]interface{}) {
	cl.logger.log(LogLevelInfo, message, nil, cl.merge(extra))
}

// Warn logs a warning message with pre-set context
func (cl *ContextLogger) Warn(message string) {
	cl.logger.log(LogLevelWarn, message, nil, cl.context)
}

// WarnWith logs a warning message with pre-set and extra context
func (cl *ContextLogger) WarnWith(message string, extra map[string]interface{}) {
	cl.logger.log(LogLevelWarn, message, nil, cl.merge(extra))
}

// Error logs an error message with pre-set context
func (cl *ContextLogger) Error(message string, err error) {
	cl.logger.log(LogLevelError, message, err, cl.context)
}

// Fatal logs a fatal error message with pre-set context
func (cl *ContextLogger) Fatal(message string, err error) {
	cl.logger.log(LogLevelFatal, message, err, cl.context)
}
