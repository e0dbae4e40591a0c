package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// maxEventLine bounds a single audit log line.
const maxEventLine = 1 << 20

// LoggedEvent is one line of the event audit log.
type LoggedEvent struct {
	Topic    string    `json:"topic"`
	LoggedAt time.Time `json:"logged_at"`
	Event    Event     `json:"event"`
}

// EventLogWriter appends published events to a JSON lines file.
type EventLogWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenEventLog opens path for appending, creating it and its directory.
func OpenEventLog(path string) (*EventLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLogWriter{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the log file path.
func (w *EventLogWriter) Path() string { return w.path }

// Append writes one event and syncs it to disk.
func (w *EventLogWriter) Append(topic string, event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("event log %s is closed", w.path)
	}
	if err := w.enc.Encode(LoggedEvent{Topic: topic, LoggedAt: time.Now(), Event: event}); err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return w.file.Sync()
}

// Close closes the file. Further appends fail.
func (w *EventLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.enc = nil
	return err
}

// EventFilter selects audit log entries. Zero fields match everything.
type EventFilter struct {
	Since  time.Time
	Topics []string
	JobID  string // matched against the event correlation id
	Limit  int
}

// Match reports whether e passes every set criterion except Limit.
func (f EventFilter) Match(e LoggedEvent) bool {
	if !f.Since.IsZero() && !e.LoggedAt.After(f.Since) {
		return false
	}
	if len(f.Topics) > 0 && !slices.Contains(f.Topics, e.Topic) {
		return false
	}
	if f.JobID != "" && e.Event.CorrelationID != f.JobID {
		return false
	}
	return true
}

// ScanEventLog calls fn for each matching entry in file order, stopping
// after filter.Limit matches when it is positive. The file is opened read
// only; a missing log is reported as an error wrapping os.ErrNotExist.
// Lines that do not decode are skipped.
func ScanEventLog(path string, filter EventFilter, fn func(LoggedEvent) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)

	matched := 0
	for scanner.Scan() {
		var e LoggedEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if !filter.Match(e) {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
		matched++
		if filter.Limit > 0 && matched >= filter.Limit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	return nil
}

// ReadEventLog returns the matching entries of the log at path.
func ReadEventLog(path string, filter EventFilter) ([]LoggedEvent, error) {
	events := []LoggedEvent{}
	err := ScanEventLog(path, filter, func(e LoggedEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ReplayEventLog republishes matching entries to b in log order and
// returns how many were published.
func ReplayEventLog(ctx context.Context, path string, b Bus, filter EventFilter) (int, error) {
	n := 0
	err := ScanEventLog(path, filter, func(e LoggedEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Publish(ctx, e.Topic, e.Event); err != nil {
			return fmt.Errorf("replay event %s: %w", e.Event.ID, err)
		}
		n++
		return nil
	})
	return n, err
}
