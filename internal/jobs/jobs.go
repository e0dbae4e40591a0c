// Package jobs records prediction job history.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terrapredict/terrapredict/internal/config"
)

// Status is the lifecycle state of a prediction job.
type Status string

// Job statuses.
const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Job is one prediction run.
type Job struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	ModelPath  string        `json:"model_path"`
	LayerPath  string        `json:"layer_path"`
	Folder     string        `json:"folder"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// Done reports whether the job has finished.
func (j *Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Store persists jobs. Save inserts or replaces by ID.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// List returns up to limit jobs, most recently started first.
	List(ctx context.Context, limit int) ([]*Job, error)
	Close() error
}

// NewStore creates the store selected by cfg.Type.
func NewStore(cfg config.JobsConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.History), nil
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.TTL, cfg.History)
	default:
		return nil, fmt.Errorf("unknown jobs store type: %s", cfg.Type)
	}
}
