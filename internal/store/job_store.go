package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/portraitflow/internal/domain"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var ErrDuplicateJob = errors.New("job already exists")

type ListFilter struct {
	Status domain.Status
	Limit  int
}

// Normalize clamps the limit into [1, MaxListLimit], defaulting to
// DefaultListLimit.
func (f ListFilter) Normalize() ListFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return f
}

// JobStore persists job records. CompareAndTransition is the only way to
// change a job's status: it validates the transition, then writes only if the
// stored status still equals from. A mismatch returns domain.ErrStatusConflict
// and an unknown id returns domain.ErrJobNotFound.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	CompareAndTransition(ctx context.Context, id string, from, to domain.Status, update domain.JobUpdate) (domain.Job, error)
	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]domain.Job, error)
}

// StaleLister finds jobs that have sat in one status since before a cutoff,
// oldest first.
type StaleLister interface {
	ListStale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]domain.Job, error)
}
