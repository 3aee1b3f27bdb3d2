package tts

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memEntry struct {
	mu        sync.Mutex
	job       *Job
	expiresAt time.Time
}

// MemoryStore keeps jobs in process. Each job has its own mutex so updates
// to one job never wait on another.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*memEntry
	retention time.Duration
	now       func() time.Time
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		jobs:      make(map[string]*memEntry),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.jobs[job.ID]; ok && s.now().Before(e.expiresAt) {
		return ErrExists
	}
	s.jobs[job.ID] = &memEntry{job: cloneJob(job), expiresAt: s.now().Add(s.retention)}
	return nil
}

func (s *MemoryStore) entry(id string) (*memEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.jobs, id)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneJob(e.job), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := cloneJob(e.job)
	if err := fn(next); err != nil {
		if errors.Is(err, errNoChange) {
			return cloneJob(e.job), nil
		}
		return cloneJob(e.job), err
	}
	e.job = next
	return cloneJob(next), nil
}
