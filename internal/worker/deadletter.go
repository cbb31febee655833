package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/queue"
	"github.com/dunamismax/portraitflow/internal/store"
)

const deadLetterPageSize = 100

type archiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Purger drops expired bookkeeping rows. The Postgres quota ledger is one.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Requeuer puts a job's task back on the queue. The queue client is one;
// a task that is still enqueued counts as success.
type Requeuer interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

// Reconciler drains the archive queue asynq moves tasks to once their retries
// are spent. Each archived job still short of a terminal status is marked
// failed before its task is deleted. With pending recovery enabled it also
// re-enqueues jobs a submitter left pending.
type Reconciler struct {
	inspector  archiveInspector
	queue      string
	jobs       store.JobStore
	notifier   Notifier
	observer   Observer
	purger     Purger
	stale      store.StaleLister
	requeuer   Requeuer
	pendingAge time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

type ReconcilerConfig struct {
	Queue    string
	Interval time.Duration
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) {
		r.notifier = n
	}
}

func WithReconcilerObserver(o Observer) ReconcilerOption {
	return func(r *Reconciler) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithPurger(p Purger) ReconcilerOption {
	return func(r *Reconciler) {
		r.purger = p
	}
}

// WithPendingRecovery re-enqueues jobs that have stayed pending for longer
// than maxAge, which happens when the submitting process dies between
// creating a job and marking it queued.
func WithPendingRecovery(stale store.StaleLister, requeuer Requeuer, maxAge time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if stale == nil || requeuer == nil {
			return
		}
		if maxAge <= 0 {
			maxAge = 10 * time.Minute
		}
		r.stale = stale
		r.requeuer = requeuer
		r.pendingAge = maxAge
	}
}

func NewReconciler(inspector *asynq.Inspector, jobs store.JobStore, cfg ReconcilerConfig, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	return newReconciler(inspector, jobs, cfg, logger, opts...)
}

func newReconciler(inspector archiveInspector, jobs store.JobStore, cfg ReconcilerConfig, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	r := &Reconciler{
		inspector: inspector,
		queue:     cfg.Queue,
		jobs:      jobs,
		observer:  nopObserver{},
		interval:  interval,
		now:       time.Now,
		logger:    logger.With().Str("component", "dead_letter").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Reconcile(ctx); err != nil {
			r.logger.Error().Err(err).Msg("dead-letter sweep failed")
		} else if n > 0 {
			r.logger.Info().Int("jobs", n).Msg("dead-lettered jobs marked failed")
		}
		if n, err := r.RecoverPending(ctx); err != nil {
			r.logger.Error().Err(err).Msg("pending recovery failed")
		} else if n > 0 {
			r.logger.Info().Int("jobs", n).Msg("abandoned pending jobs re-enqueued")
		}
		r.purge(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile performs one sweep and returns how many jobs it marked failed.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	tasks, err := r.inspector.ListArchivedTasks(r.queue, asynq.PageSize(deadLetterPageSize))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list archived tasks: %w", err)
	}

	failed := 0
	for _, info := range tasks {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if info.Type != queue.TypeGenerate {
			continue
		}

		marked, err := r.reconcileTask(ctx, info)
		if err != nil {
			r.logger.Error().Err(err).Str("task_id", info.ID).Msg("reconcile archived task")
			continue
		}
		if marked {
			failed++
		}
		if err := r.inspector.DeleteTask(r.queue, info.ID); err != nil {
			r.logger.Warn().Err(err).Str("task_id", info.ID).Msg("delete archived task")
		}
	}
	return failed, nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, info *asynq.TaskInfo) (bool, error) {
	payload, err := queue.ParseGenerationPayload(asynq.NewTask(info.Type, info.Payload))
	if err != nil {
		// Nothing can be recovered from a malformed payload.
		return false, nil
	}

	job, err := r.jobs.Get(ctx, payload.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if job.Status.Terminal() {
		return false, nil
	}

	lastErr := info.LastErr
	if lastErr == "" {
		lastErr = "unknown error"
	}
	reason := domain.FailureReason(domain.ReasonProcessingFailure, "retries exhausted: "+lastErr)
	done, err := r.jobs.CompareAndTransition(ctx, job.ID, job.Status, domain.StatusFailed, domain.JobUpdate{FailureReason: &reason})
	if errors.Is(err, domain.ErrStatusConflict) {
		// Status moved since the read; the next sweep sees the new state.
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}

	r.observer.ObserveDeadLetter()
	r.logger.Warn().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("failure_reason", reason).
		Msg("job dead-lettered")

	if r.notifier != nil {
		if err := r.notifier.NotifyJob(ctx, done); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook notification failed")
		}
	}
	return true, nil
}

// RecoverPending re-enqueues stale pending jobs and marks them queued. It
// returns how many jobs it moved. Jobs a worker claims in the meantime are
// left alone.
func (r *Reconciler) RecoverPending(ctx context.Context) (int, error) {
	if r.stale == nil {
		return 0, nil
	}

	jobs, err := r.stale.ListStale(ctx, domain.StatusPending, r.now().Add(-r.pendingAge), deadLetterPageSize)
	if err != nil {
		return 0, fmt.Errorf("list stale pending jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		logger := r.logger.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()

		messageID, err := r.requeuer.Enqueue(ctx, job.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("re-enqueue pending job")
			continue
		}
		_, err = r.jobs.CompareAndTransition(ctx, job.ID, domain.StatusPending, domain.StatusQueued, domain.JobUpdate{QueueMessageID: &messageID})
		if errors.Is(err, domain.ErrStatusConflict) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Msg("mark recovered job queued")
			continue
		}

		recovered++
		logger.Warn().Time("created_at", job.CreatedAt).Msg("abandoned pending job re-enqueued")
	}
	return recovered, nil
}

func (r *Reconciler) purge(ctx context.Context) {
	if r.purger == nil {
		return
	}
	n, err := r.purger.PurgeExpired(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("purge expired quota counters")
		return
	}
	if n > 0 {
		r.logger.Debug().Int64("rows", n).Msg("purged expired quota counters")
	}
}
