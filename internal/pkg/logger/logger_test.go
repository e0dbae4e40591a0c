package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug text", "debug", "text"},
		{"info json", "info", "json"},
		{"warn text", "warn", "text"},
		{"error json", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.Logger == nil {
				t.Fatal("New() returned logger with nil slog.Logger")
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")

	l := logger.WithContext(context.Background())
	if l != logger {
		t.Error("WithContext() without request ID should return the same logger")
	}

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-123")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-123") {
		t.Errorf("expected request_id in output, got: %s", buf.String())
	}
}

func TestLogger_WithJobAndScene(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.WithJob("job-1").WithScene("scene-a").Info("evaluated")

	out := buf.String()
	if !strings.Contains(out, `"job_id":"job-1"`) {
		t.Errorf("expected job_id in output, got: %s", out)
	}
	if !strings.Contains(out, `"scene":"scene-a"`) {
		t.Errorf("expected scene in output, got: %s", out)
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")

	logger.WithError(errors.New("boom")).Warn("failed")

	if !strings.Contains(buf.String(), "error=boom") {
		t.Errorf("expected error in output, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	Discard().Info("dropped")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered at warn level, got: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing, got: %s", out)
	}
}
