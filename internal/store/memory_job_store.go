package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/portraitflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, nil
}

func (s *MemoryJobStore) CompareAndTransition(_ context.Context, id string, from, to domain.Status, update domain.JobUpdate) (domain.Job, error) {
	if err := domain.ValidateTransition(from, to, update); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != from {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, id, job.Status, from)
	}

	job = job.Apply(to, update, s.now().UTC())
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) ListByUser(_ context.Context, userID string, filter ListFilter) ([]domain.Job, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ListStale(_ context.Context, status domain.Status, before time.Time, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			out = append(out, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
