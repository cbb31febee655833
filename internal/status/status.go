// Package status answers read-side questions about jobs and quota for the
// authenticated caller.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/quota"
	"github.com/dunamismax/portraitflow/internal/store"
)

type URLSigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type Config struct {
	DailyLimit     int
	StatusURLTTL   time.Duration
	DownloadURLTTL time.Duration
}

// Snapshot is a job as seen by its owner. OutputURL is set only for
// completed jobs.
type Snapshot struct {
	Job       domain.Job
	OutputURL string
}

type Download struct {
	JobID     string
	URL       string
	ExpiresIn time.Duration
}

type QuotaSummary struct {
	DailyLimit     int
	UsedToday      int
	RemainingQuota int
	Day            string
}

type Service struct {
	jobs    store.JobStore
	ledger  quota.Ledger
	results URLSigner
	cfg     Config
	now     func() time.Time
}

func NewService(cfg Config, jobs store.JobStore, ledger quota.Ledger, results URLSigner) (*Service, error) {
	if jobs == nil || ledger == nil || results == nil {
		return nil, errors.New("status service requires a job store, quota ledger and result storage")
	}
	if cfg.StatusURLTTL <= 0 {
		cfg.StatusURLTTL = 24 * time.Hour
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = time.Hour
	}
	return &Service{jobs: jobs, ledger: ledger, results: results, cfg: cfg, now: time.Now}, nil
}

// GetStatus returns the job if callerUserID owns it. A job owned by someone
// else yields domain.ErrForbidden, never its contents.
func (s *Service) GetStatus(ctx context.Context, jobID, callerUserID string) (Snapshot, error) {
	job, err := s.ownedJob(ctx, jobID, callerUserID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Job: job}
	if job.Status == domain.StatusCompleted && job.OutputRef != nil {
		url, err := s.results.PresignedGetURL(ctx, *job.OutputRef, s.cfg.StatusURLTTL)
		if err != nil {
			return Snapshot{}, fmt.Errorf("sign output url: %w", err)
		}
		snap.OutputURL = url
	}
	return snap, nil
}

func (s *Service) ListJobs(ctx context.Context, userID string, filter store.ListFilter) ([]domain.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, filter.Status)
	}
	return s.jobs.ListByUser(ctx, userID, filter.Normalize())
}

func (s *Service) DownloadURL(ctx context.Context, jobID, callerUserID string) (Download, error) {
	job, err := s.ownedJob(ctx, jobID, callerUserID)
	if err != nil {
		return Download{}, err
	}
	if job.Status != domain.StatusCompleted || job.OutputRef == nil {
		return Download{}, fmt.Errorf("%w: job %s is %s", domain.ErrJobNotCompleted, job.ID, job.Status)
	}

	url, err := s.results.PresignedGetURL(ctx, *job.OutputRef, s.cfg.DownloadURLTTL)
	if err != nil {
		return Download{}, fmt.Errorf("sign download url: %w", err)
	}
	return Download{JobID: job.ID, URL: url, ExpiresIn: s.cfg.DownloadURLTTL}, nil
}

func (s *Service) Quota(ctx context.Context, userID string) (QuotaSummary, error) {
	day := quota.Day(s.now())
	used, err := s.ledger.Usage(ctx, userID, day)
	if err != nil {
		return QuotaSummary{}, fmt.Errorf("read quota usage: %w", err)
	}
	remaining := s.cfg.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaSummary{
		DailyLimit:     s.cfg.DailyLimit,
		UsedToday:      used,
		RemainingQuota: remaining,
		Day:            day,
	}, nil
}

func (s *Service) ownedJob(ctx context.Context, jobID, callerUserID string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if callerUserID == "" || job.UserID != callerUserID {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrForbidden, jobID)
	}
	return job, nil
}
