package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/dunamismax/portraitflow/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	style TEXT NOT NULL,
	input_ref TEXT NOT NULL,
	instruction TEXT NOT NULL,
	output_ref TEXT,
	failure_reason TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	queue_message_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	processing_seconds DOUBLE PRECISION,
	CONSTRAINT generation_jobs_output_ref_chk CHECK ((status = 'completed') = (output_ref IS NOT NULL)),
	CONSTRAINT generation_jobs_failure_reason_chk CHECK ((status = 'failed') = (failure_reason IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS generation_jobs_user_created_idx ON generation_jobs (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS generation_jobs_status_updated_idx ON generation_jobs (status, updated_at);
`

const jobColumns = `id, user_id, status, style, input_ref, instruction, output_ref, failure_reason,
	attempts, queue_message_id, created_at, updated_at, started_at, processing_seconds`

const uniqueViolation = "23505"

type PostgresJobStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, db *sqlx.DB) (*PostgresJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres connection is required")
	}

	store := &PostgresJobStore{db: db, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.NamedExecContext(
		ctx,
		`INSERT INTO generation_jobs (`+jobColumns+`)
		 VALUES (:id, :user_id, :status, :style, :input_ref, :instruction, :output_ref, :failure_reason,
		         :attempts, :queue_message_id, :created_at, :updated_at, :started_at, :processing_seconds)`,
		job,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) CompareAndTransition(ctx context.Context, id string, from, to domain.Status, update domain.JobUpdate) (domain.Job, error) {
	if err := domain.ValidateTransition(from, to, update); err != nil {
		return domain.Job{}, err
	}

	attemptDelta := 0
	if update.IncrementAttempts {
		attemptDelta = 1
	}

	var job domain.Job
	err := s.db.QueryRowxContext(
		ctx,
		`UPDATE generation_jobs
		 SET status = $3,
		     updated_at = $4,
		     output_ref = COALESCE($5, output_ref),
		     failure_reason = COALESCE($6, failure_reason),
		     queue_message_id = COALESCE($7, queue_message_id),
		     started_at = COALESCE($8, started_at),
		     processing_seconds = COALESCE($9, processing_seconds),
		     attempts = attempts + $10
		 WHERE id = $1 AND status = $2
		 RETURNING `+jobColumns,
		id,
		from,
		to,
		s.now().UTC(),
		update.OutputRef,
		update.FailureReason,
		update.QueueMessageID,
		update.StartedAt,
		update.ProcessingSeconds,
		attemptDelta,
	).StructScan(&job)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("transition job %s: %w", id, err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.Job{}, getErr
	}
	return domain.Job{}, fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrStatusConflict, id, current.Status, from)
}

func (s *PostgresJobStore) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]domain.Job, error) {
	filter = filter.Normalize()

	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = $1`
	args := []any{userID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, filter.Limit)

	jobs := make([]domain.Job, 0)
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresJobStore) ListStale(ctx context.Context, status domain.Status, before time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}

	jobs := make([]domain.Job, 0)
	err := s.db.SelectContext(
		ctx,
		&jobs,
		`SELECT `+jobColumns+` FROM generation_jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		status,
		before.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobs, nil
}
