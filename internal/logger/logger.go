// Package logger provides module-scoped structured logging on top of log/slog.
//
// Components receive a Logger through their constructors and derive child
// loggers with Module and With. Nothing in the pipeline logs through a
// package-level logger.
package logger

import (
	"context"
	"time"
	"unique"
)

// LogLevel is a textual log level as used in configuration files.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field is a structured key/value pair attached to a log record.
type Field struct {
	Key   string
	Value any
}

// internKey deduplicates field keys; the same handful of keys is used on
// every image load.
func internKey(key string) string {
	return unique.Make(key).Value()
}

var (
	errorKey   = internKey("error")
	moduleKey  = internKey("module")
	traceIDKey = internKey("trace_id")
)

// Logger is the logging interface passed to every component.
type Logger interface {
	// Module returns a child logger for a sub-component ("cache" -> "cache.index").
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every record.
	With(fields ...Field) Logger
	// WithContext attaches request scoped values such as the trace id.
	WithContext(ctx context.Context) Logger

	Log(level LogLevel, msg string, fields ...Field)

	Flush() error
}

func String(key, value string) Field {
	return Field{Key: internKey(key), Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: internKey(key), Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: internKey(key), Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: internKey(key), Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: internKey(key), Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: internKey(key), Value: value}
}

// Error adds err under the "error" key. A nil error logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: errorKey, Value: nil}
	}
	return Field{Key: errorKey, Value: err.Error()}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: internKey(key), Value: value}
}

func Time(key string, value time.Time) Field {
	return Field{Key: internKey(key), Value: value}
}

func Any(key string, value any) Field {
	return Field{Key: internKey(key), Value: value}
}

// URL logs an image source with credentials and token-like query
// parameters removed.
func URL(key, raw string) Field {
	return Field{Key: internKey(key), Value: RedactURL(raw)}
}
