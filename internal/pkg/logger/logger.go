// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

// RequestIDKey is the context key under which middleware stores the request ID.
const RequestIDKey contextKey = "request_id"

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level and format.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger with context values.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return &Logger{
			Logger: l.With("request_id", reqID),
		}
	}
	return l
}

// WithJob returns a logger tagged with a prediction job ID.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		Logger: l.With("job_id", jobID),
	}
}

// WithScene returns a logger tagged with an evaluation scene ID.
func (l *Logger) WithScene(sceneID string) *Logger {
	return &Logger{
		Logger: l.With("scene", sceneID),
	}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger.
func Default() *Logger {
	return New("info", "text")
}
