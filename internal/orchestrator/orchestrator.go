// Package orchestrator accepts generation requests: it checks the staged
// input, reserves quota, records the job and hands it to the delivery queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/id"
	"github.com/dunamismax/portraitflow/internal/quota"
	"github.com/dunamismax/portraitflow/internal/store"
)

// Submission outcomes reported to the Observer.
const (
	OutcomeAccepted       = "accepted"
	OutcomeInvalid        = "invalid"
	OutcomeInputNotFound  = "input_not_found"
	OutcomeQuotaExceeded  = "quota_exceeded"
	OutcomeEnqueueFailure = "enqueue_failure"
	OutcomeError          = "error"
)

// compensationTimeout bounds the release and failure writes made after the
// caller's context may already be gone.
const compensationTimeout = 5 * time.Second

type InputChecker interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

type Observer interface {
	ObserveSubmission(outcome string)
	ObserveReleaseFailure()
}

type nopObserver struct{}

func (nopObserver) ObserveSubmission(string) {}
func (nopObserver) ObserveReleaseFailure()   {}

type Config struct {
	DailyLimit int
}

type Orchestrator struct {
	ledger     quota.Ledger
	jobs       store.JobStore
	uploads    InputChecker
	queue      Enqueuer
	dailyLimit int
	logger     zerolog.Logger
	observer   Observer
	tracer     trace.Tracer
	newID      func() string
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithObserver(o Observer) Option {
	return func(orc *Orchestrator) {
		if o != nil {
			orc.observer = o
		}
	}
}

func New(cfg Config, ledger quota.Ledger, jobs store.JobStore, uploads InputChecker, queue Enqueuer, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if ledger == nil || jobs == nil || uploads == nil || queue == nil {
		return nil, errors.New("orchestrator requires a quota ledger, job store, upload storage and queue")
	}
	if cfg.DailyLimit <= 0 {
		return nil, fmt.Errorf("daily limit must be positive, got %d", cfg.DailyLimit)
	}

	o := &Orchestrator{
		ledger:     ledger,
		jobs:       jobs,
		uploads:    uploads,
		queue:      queue,
		dailyLimit: cfg.DailyLimit,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		observer:   nopObserver{},
		tracer:     otel.Tracer("portraitflow/orchestrator"),
		newID:      id.NewJob,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Submit runs the acceptance sequence: validate, check input, reserve quota,
// create the pending job, enqueue, mark queued. Every failure after a
// successful reservation releases it.
func (o *Orchestrator) Submit(ctx context.Context, req domain.SubmitRequest) (result domain.SubmitResult, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	outcome := OutcomeError
	defer func() {
		o.observer.ObserveSubmission(outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}()

	req = req.Normalize()
	if err := req.Validate(); err != nil {
		outcome = OutcomeInvalid
		return domain.SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("user.id", req.UserID))

	exists, err := o.uploads.ObjectExists(ctx, req.InputRef)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("check input %s: %w", req.InputRef, err)
	}
	if !exists {
		outcome = OutcomeInputNotFound
		return domain.SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrInputNotFound, req.InputRef)
	}

	now := o.now().UTC()
	day := quota.Day(now)
	reservation, err := o.ledger.TryReserve(ctx, req.UserID, day, o.dailyLimit)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("reserve quota: %w", err)
	}
	if !reservation.Allowed {
		outcome = OutcomeQuotaExceeded
		return domain.SubmitResult{RemainingQuota: 0}, domain.ErrQuotaExceeded
	}

	job := domain.NewJob(o.newID(), req, now)
	span.SetAttributes(attribute.String("job.id", job.ID))
	logger := o.logger.With().Str("job_id", job.ID).Str("user_id", req.UserID).Logger()

	if err := o.jobs.Create(ctx, job); err != nil {
		o.release(ctx, req.UserID, day, logger)
		return domain.SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	messageID, err := o.queue.Enqueue(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("enqueue failed; releasing quota")
		o.release(ctx, req.UserID, day, logger)
		o.markEnqueueFailed(ctx, job.ID, err, logger)
		outcome = OutcomeEnqueueFailure
		return domain.SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrEnqueueFailure, err)
	}

	status := domain.StatusQueued
	_, err = o.jobs.CompareAndTransition(ctx, job.ID, domain.StatusPending, domain.StatusQueued, domain.JobUpdate{QueueMessageID: &messageID})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStatusConflict):
		// A worker picked the task up before this write landed.
		current, getErr := o.jobs.Get(ctx, job.ID)
		if getErr == nil && current.Status != domain.StatusPending {
			status = current.Status
			logger.Debug().Str("status", string(status)).Msg("job advanced before queued write")
			break
		}
		logger.Warn().Err(err).Msg("mark queued conflicted")
	default:
		// The task is already on the queue and the worker accepts pending jobs,
		// so the submission still stands.
		logger.Warn().Err(err).Msg("mark queued failed; job left pending")
		status = domain.StatusPending
	}

	outcome = OutcomeAccepted
	logger.Info().
		Str("style", req.Style).
		Int("remaining_quota", reservation.Remaining).
		Msg("job accepted")

	return domain.SubmitResult{
		JobID:          job.ID,
		Status:         status,
		RemainingQuota: reservation.Remaining,
	}, nil
}

func (o *Orchestrator) release(parent context.Context, userID, day string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), compensationTimeout)
	defer cancel()

	if err := o.ledger.Release(ctx, userID, day); err != nil {
		o.observer.ObserveReleaseFailure()
		logger.Error().Err(err).Str("day", day).Msg("quota release failed; counter over-counts by one")
	}
}

func (o *Orchestrator) markEnqueueFailed(parent context.Context, jobID string, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), compensationTimeout)
	defer cancel()

	reason := domain.FailureReason(domain.ReasonEnqueueFailure, cause.Error())
	if _, err := o.jobs.CompareAndTransition(ctx, jobID, domain.StatusPending, domain.StatusFailed, domain.JobUpdate{FailureReason: &reason}); err != nil {
		logger.Error().Err(err).Msg("mark job failed after enqueue failure")
	}
}
