// Package observability defines shared logging and metric primitives.
package observability

import (
	"fmt"
	"log"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the pipeline.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a *log.Logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger wraps logger; debug enables Debug-level output.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	return &StdLogger{inner: logger, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.inner == nil || !l.debug {
		return
	}
	l.inner.Printf("DEBUG %s%s", msg, renderFields(fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Printf("INFO %s%s", msg, renderFields(fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Printf("ERROR %s%s", msg, renderFields(fields))
}

func renderFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		out += " "
		out += f.Key
		out += "="
		out += format(f.Value)
	}
	return out
}

func format(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case error:
		return value.Error()
	default:
		return fmt.Sprint(value)
	}
}
