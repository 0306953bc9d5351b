package application

import (
	"io"
	"log/slog"
	"os"
	"sort"
)

// StructuredLogger writes JSON log lines with a message and a context map.
// It writes to stderr by default so the stdio transport owns stdout.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger on stderr.
func NewStructuredLogger() *StructuredLogger {
	return NewStructuredLoggerTo(os.Stderr, slog.LevelInfo)
}

// NewStructuredLoggerTo creates a structured logger writing to w.
func NewStructuredLoggerTo(w io.Writer, level slog.Level) *StructuredLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &StructuredLogger{logger: slog.New(handler)}
}

// Slog exposes the underlying logger for libraries that accept one.
func (l *StructuredLogger) Slog() *slog.Logger {
	return l.logger
}

// LogInfo logs an informational message with context.
func (l *StructuredLogger) LogInfo(message string, context map[string]interface{}) {
	l.logger.Info(message, attrs(nil, context)...)
}

// LogWarn logs a warning with context.
func (l *StructuredLogger) LogWarn(message string, context map[string]interface{}) {
	l.logger.Warn(message, attrs(nil, context)...)
}

// LogError logs an error message with context.
func (l *StructuredLogger) LogError(message string, err error, context map[string]interface{}) {
	l.logger.Error(message, attrs(err, context)...)
}

// attrs flattens the context map in key order.
func attrs(err error, context map[string]interface{}) []any {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys)+2)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	for _, k := range keys {
		out = append(out, slog.Any(k, context[k]))
	}
	return out
}
