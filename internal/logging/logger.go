// Package logging provides leveled, structured logging for the vestige harness.
//
// Components obtain a named logger via GetLogger("pool") and log with
// printf-style methods or the structured ...WithFields variants:
//
//	logger := logging.GetLogger("replication")
//	logger.Info("slot %s ready", slot)
//	logger.InfoWithFields("batch committed",
//	    logging.Field("rows", n),
//	    logging.Field("lsn", lsn),
//	)
//
// Loggers are immutable; WithField/WithFields/WithContext return children that
// carry persistent fields. Per-package levels can be overridden at startup
// (see SetPackageLevels), which the --log-level flag feeds.
package logging

import (
	"context"
	"os"
	"sync"
)

var (
	globalLevel = INFO
	globalMu    sync.RWMutex

	// exitFunc is what Fatal calls to terminate; swapped out in tests.
	exitFunc = os.Exit
)

// Logger emits log lines for one named component.
type Logger struct {
	name   string
	fields map[string]interface{}
	ctx    context.Context
}

// Initialize sets the default level and optional per-package overrides.
// Level strings are case-insensitive: debug, info, warn, error, fatal.
func Initialize(level string, packageLevels ...map[string]string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	globalMu.Lock()
	globalLevel = parsed
	globalMu.Unlock()

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		return SetPackageLevels(packageLevels[0])
	}
	return nil
}

// GetLogger returns a logger named for a component. Names are dotted paths
// ("snapshot.differ") so per-package overrides can match by prefix.
func GetLogger(name string) *Logger {
	return &Logger{name: name, fields: map[string]interface{}{}}
}

func (l *Logger) enabled(level LogLevel) bool {
	if override, ok := packageLevel(l.name); ok {
		return level >= override
	}
	globalMu.RLock()
	defer globalMu.RUnlock()
	return level >= globalLevel
}

// WithName returns a logger with a different component name but the same
// persistent fields.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{name: name, fields: cloneFields(l.fields), ctx: l.ctx}
}

// WithField returns a child logger that always carries key=value.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := &Logger{name: l.name, fields: cloneFields(l.fields), ctx: l.ctx}
	child.fields[key] = value
	return child
}

// WithFields returns a child logger carrying all given fields.
func (l *Logger) WithFields(fields ...LogField) *Logger {
	child := &Logger{name: l.name, fields: cloneFields(l.fields), ctx: l.ctx}
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// WithContext returns a child logger that extracts trace_id/span_id from ctx
// on every emitted line.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{name: l.name, fields: cloneFields(l.fields), ctx: ctx}
}

// Debug logs a formatted message at DEBUG.
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.enabled(DEBUG) {
		l.logf(DEBUG, msg, args...)
	}
}

// Info logs a formatted message at INFO.
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.enabled(INFO) {
		l.logf(INFO, msg, args...)
	}
}

// Warn logs a formatted message at WARN.
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.enabled(WARN) {
		l.logf(WARN, msg, args...)
	}
}

// Error logs a formatted message at ERROR.
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.enabled(ERROR) {
		l.logf(ERROR, msg, args...)
	}
}

// ErrorWithErr logs msg plus the error value at ERROR.
func (l *Logger) ErrorWithErr(msg string, err error, args ...interface{}) {
	if l.enabled(ERROR) {
		args = append(args, err)
		l.logf(ERROR, msg+": %v", args...)
	}
}

// Fatal logs at FATAL and exits with code 1.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.logf(FATAL, msg, args...)
	exitFunc(1)
}

// DebugWithFields logs a message with structured fields at DEBUG.
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.enabled(DEBUG) {
		l.logFields(DEBUG, msg, fields)
	}
}

// InfoWithFields logs a message with structured fields at INFO.
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.enabled(INFO) {
		l.logFields(INFO, msg, fields)
	}
}

// WarnWithFields logs a message with structured fields at WARN.
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.enabled(WARN) {
		l.logFields(WARN, msg, fields)
	}
}

// ErrorWithFields logs a message with structured fields at ERROR.
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.enabled(ERROR) {
		l.logFields(ERROR, msg, fields)
	}
}

// LogField is one structured key/value pair.
type LogField struct {
	Key   string
	Value interface{}
}

// Field builds a LogField.
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// mergedFields layers context fields, persistent fields, and per-call fields,
// later layers winning.
func (l *Logger) mergedFields(extra []LogField) map[string]interface{} {
	if l.ctx == nil && len(l.fields) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for k, v := range contextFields(l.ctx) {
		merged[k] = v
	}
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range extra {
		merged[f.Key] = f.Value
	}
	return merged
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key under which a trace id is looked up.
func TraceIDKey() interface{} { return traceIDKey }

// SpanIDKey returns the context key under which a span id is looked up.
func SpanIDKey() interface{} { return spanIDKey }

func contextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	fields := make(map[string]interface{}, 2)
	if v := ctx.Value(traceIDKey); v != nil {
		fields["trace_id"] = v
	}
	if v := ctx.Value(spanIDKey); v != nil {
		fields["span_id"] = v
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
