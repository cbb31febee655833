package worker

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
	"github.com/dunamismax/portraitflow/internal/pipeline"
	"github.com/dunamismax/portraitflow/internal/storage"
	"github.com/dunamismax/portraitflow/internal/store"
)

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeDuplicate = "duplicate"
)

// ErrPermanent marks a delivery that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

const (
	finalizeTimeout = 10 * time.Second
	claimAttempts   = 3
)

// Attempt identifies one delivery of a task. Number is 1-based and Max is the
// total number of deliveries the queue allows.
type Attempt struct {
	Number int
	Max    int
}

func (a Attempt) Final() bool {
	return a.Number >= a.Max
}

type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Notifier interface {
	NotifyJob(ctx context.Context, job domain.Job) error
}

type Observer interface {
	ObserveJob(outcome string, elapsed time.Duration)
	ObserveGeneration(seconds float64)
	ObserveDeadLetter()
}

type nopObserver struct{}

func (nopObserver) ObserveJob(string, time.Duration) {}
func (nopObserver) ObserveGeneration(float64)        {}
func (nopObserver) ObserveDeadLetter()               {}

type Processor struct {
	jobs     store.JobStore
	pipeline Pipeline
	notifier Notifier
	observer Observer
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type ProcessorOption func(*Processor)

func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = n
	}
}

func WithObserver(o Observer) ProcessorOption {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

func NewProcessor(jobs store.JobStore, pipe Pipeline, logger zerolog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if jobs == nil || pipe == nil {
		return nil, errors.New("worker processor requires a job store and a pipeline")
	}
	p := &Processor{
		jobs:     jobs,
		pipeline: pipe,
		observer: nopObserver{},
		logger:   logger.With().Str("component", "worker").Logger(),
		tracer:   otel.Tracer("portraitflow/worker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs one delivery of jobID. A nil return acknowledges the task,
// including duplicate deliveries of finished jobs. Errors wrapping
// ErrPermanent must not be retried; any other error asks for redelivery.
func (p *Processor) Process(ctx context.Context, jobID string, attempt Attempt) (err error) {
	startedAt := p.now()
	outcome := OutcomeFailed

	ctx, span := p.tracer.Start(ctx, "worker.process_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("job.attempt", attempt.Number),
		attribute.Int("job.max_attempts", attempt.Max),
	)
	defer span.End()
	defer func() {
		p.observer.ObserveJob(outcome, p.now().Sub(startedAt))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}()

	logger := p.logger.With().
		Str("job_id", jobID).
		Int("attempt", attempt.Number).
		Int("max_attempts", attempt.Max).
		Logger()

	job, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if err != nil {
		outcome = OutcomeRetry
		return fmt.Errorf("load job: %w", err)
	}

	job, err = p.claim(ctx, job)
	if errors.Is(err, errAlreadyTerminal) {
		outcome = OutcomeDuplicate
		logger.Info().Str("status", string(job.Status)).Msg("duplicate delivery of finished job")
		return nil
	}
	if err != nil {
		outcome = OutcomeRetry
		return fmt.Errorf("claim job: %w", err)
	}

	logger = logger.With().Str("user_id", job.UserID).Logger()
	logger.Info().Str("style", job.Style).Msg("processing job")

	result, runErr := p.pipeline.Process(ctx, pipeline.Request{
		JobID:       job.ID,
		UserID:      job.UserID,
		InputRef:    job.InputRef,
		Instruction: job.Instruction,
		Style:       job.Style,
	})

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if runErr == nil {
		p.observer.ObserveGeneration(result.GenerationSeconds)
		elapsed := p.now().Sub(startedAt).Seconds()
		done, err := p.jobs.CompareAndTransition(finalCtx, job.ID, domain.StatusProcessing, domain.StatusCompleted, domain.JobUpdate{
			OutputRef:         &result.OutputRef,
			ProcessingSeconds: &elapsed,
		})
		if errors.Is(err, domain.ErrStatusConflict) {
			outcome = OutcomeDuplicate
			logger.Warn().Err(err).Msg("job finished elsewhere; discarding result")
			return nil
		}
		if err != nil {
			outcome = OutcomeRetry
			return fmt.Errorf("mark completed: %w", err)
		}

		outcome = OutcomeCompleted
		logger.Info().
			Str("output_ref", result.OutputRef).
			Str("model", result.Model).
			Float64("generation_seconds", result.GenerationSeconds).
			Msg("job completed")
		p.notify(finalCtx, done, logger)
		return nil
	}

	logger = logger.With().Err(runErr).Logger()

	var reason string
	switch {
	case errors.Is(runErr, storage.ErrObjectNotFound):
		reason = domain.FailureReason(domain.ReasonInputNotFound, job.InputRef)
	case errors.Is(runErr, pipeline.ErrUndecodableInput):
		reason = domain.FailureReason(domain.ReasonProcessingFailure, runErr.Error())
	case attempt.Final():
		reason = domain.FailureReason(domain.ReasonProcessingFailure,
			fmt.Sprintf("%v (attempt %d/%d)", runErr, attempt.Number, attempt.Max))
	default:
		outcome = OutcomeRetry
		logger.Warn().Msg("attempt failed; awaiting redelivery")
		return fmt.Errorf("process job %s: %w", job.ID, runErr)
	}

	elapsed := p.now().Sub(startedAt).Seconds()
	failed, err := p.jobs.CompareAndTransition(finalCtx, job.ID, domain.StatusProcessing, domain.StatusFailed, domain.JobUpdate{
		FailureReason:     &reason,
		ProcessingSeconds: &elapsed,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		outcome = OutcomeDuplicate
		logger.Warn().Msg("job finished elsewhere; discarding failure")
		return nil
	}
	if err != nil {
		outcome = OutcomeRetry
		return fmt.Errorf("mark failed: %w", err)
	}

	logger.Error().Str("failure_reason", reason).Msg("job failed")
	p.notify(finalCtx, failed, logger)
	return nil
}

var errAlreadyTerminal = errors.New("job already terminal")

// claim moves job into processing, first advancing it to queued when the
// submitter has not recorded that yet. Concurrent status changes are re-read
// and retried a bounded number of times.
func (p *Processor) claim(ctx context.Context, job domain.Job) (domain.Job, error) {
	for range claimAttempts {
		if job.Status.Terminal() {
			return job, errAlreadyTerminal
		}

		to := domain.StatusProcessing
		var update domain.JobUpdate
		if job.Status == domain.StatusPending {
			to = domain.StatusQueued
		} else {
			startedAt := p.now().UTC()
			update = domain.JobUpdate{StartedAt: &startedAt, IncrementAttempts: true}
		}

		next, err := p.jobs.CompareAndTransition(ctx, job.ID, job.Status, to, update)
		switch {
		case err == nil:
			job = next
			if job.Status == domain.StatusProcessing {
				return job, nil
			}
		case errors.Is(err, domain.ErrStatusConflict):
			if job, err = p.jobs.Get(ctx, job.ID); err != nil {
				return domain.Job{}, err
			}
		default:
			return domain.Job{}, err
		}
	}
	return job, fmt.Errorf("%w: job %s kept changing status", domain.ErrStatusConflict, job.ID)
}

func (p *Processor) notify(ctx context.Context, job domain.Job, logger zerolog.Logger) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyJob(ctx, job); err != nil {
		logger.Warn().Err(err).Msg("webhook notification failed")
	}
}
