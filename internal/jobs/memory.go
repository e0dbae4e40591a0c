package jobs

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps the most recent jobs in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string // insertion order, oldest first
	history int
}

// NewMemoryStore creates a store holding at most history jobs.
func NewMemoryStore(history int) *MemoryStore {
	if history <= 0 {
		history = 1000
	}
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		history: history,
	}
}

// Save stores a copy of job, evicting the oldest job when full.
func (s *MemoryStore) Save(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = &cp

	for len(s.order) > s.history {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get returns a copy of the job with the given ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns up to limit jobs, newest first. limit <= 0 returns all.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
