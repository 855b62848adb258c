package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps a *log.Logger; debug controls whether Debug lines emit.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	return &StdLogger{logger: logger, debug: debug}
}

// Debug emits a debug-level line when debug logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info emits an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) { l.emit("INFO", msg, fields) }

// Warn emits a warning-level line.
func (l *StdLogger) Warn(msg string, fields ...Field) { l.emit("WARN", msg, fields) }

// Error emits an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) { l.emit("ERROR", msg, fields) }

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if l == nil || l.logger == nil {
		return
	}
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.logger.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
