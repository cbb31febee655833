package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/portraitflow/internal/database"
	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/id"
)

func jobStores(t *testing.T) map[string]JobStore {
	t.Helper()

	out := map[string]JobStore{"memory": NewMemoryJobStore()}
	if dsn := os.Getenv("PORTRAITFLOW_TEST_POSTGRES_DSN"); dsn != "" {
		ctx := context.Background()
		db, err := database.Open(ctx, dsn, 10)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		pg, err := NewPostgresJobStore(ctx, db)
		if err != nil {
			t.Fatalf("NewPostgresJobStore returned error: %v", err)
		}
		out["postgres"] = pg
	}
	return out
}

func newTestJob(userID string, createdAt time.Time) domain.Job {
	return domain.NewJob(id.NewJob(), domain.SubmitRequest{
		UserID:      userID,
		InputRef:    "uploads/" + userID + "/source.png",
		Instruction: "watercolor portrait",
		Style:       "watercolor",
	}, createdAt)
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newTestJob("store-user-"+id.New()[:8], time.Now().UTC().Truncate(time.Microsecond))
			if err := s.Create(ctx, job); err != nil {
				t.Fatalf("Create returned error: %v", err)
			}
			if err := s.Create(ctx, job); !errors.Is(err, ErrDuplicateJob) {
				t.Fatalf("expected ErrDuplicateJob on second create, got %v", err)
			}

			got, err := s.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if got.Status != domain.StatusPending || got.InputRef != job.InputRef || got.Style != "watercolor" {
				t.Fatalf("unexpected job: %+v", got)
			}

			if _, err := s.Get(ctx, "job_missing"); !errors.Is(err, domain.ErrJobNotFound) {
				t.Fatalf("expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestCompareAndTransitionLifecycle(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newTestJob("store-user-"+id.New()[:8], time.Now().UTC())
			if err := s.Create(ctx, job); err != nil {
				t.Fatalf("Create returned error: %v", err)
			}

			messageID := job.ID
			queued, err := s.CompareAndTransition(ctx, job.ID, domain.StatusPending, domain.StatusQueued, domain.JobUpdate{QueueMessageID: &messageID})
			if err != nil {
				t.Fatalf("pending -> queued returned error: %v", err)
			}
			if queued.QueueMessageID == nil || *queued.QueueMessageID != messageID {
				t.Fatalf("expected queue message id, got %+v", queued.QueueMessageID)
			}

			startedAt := time.Now().UTC()
			processing, err := s.CompareAndTransition(ctx, job.ID, domain.StatusQueued, domain.StatusProcessing, domain.JobUpdate{StartedAt: &startedAt, IncrementAttempts: true})
			if err != nil {
				t.Fatalf("queued -> processing returned error: %v", err)
			}
			if processing.Attempts != 1 || processing.StartedAt == nil {
				t.Fatalf("expected attempt bookkeeping, got %+v", processing)
			}

			processing, err = s.CompareAndTransition(ctx, job.ID, domain.StatusProcessing, domain.StatusProcessing, domain.JobUpdate{StartedAt: &startedAt, IncrementAttempts: true})
			if err != nil {
				t.Fatalf("processing -> processing returned error: %v", err)
			}
			if processing.Attempts != 2 {
				t.Fatalf("expected second attempt, got %d", processing.Attempts)
			}

			output := fmt.Sprintf("generated/%s/%s.png", job.UserID, job.ID)
			seconds := 1.5
			completed, err := s.CompareAndTransition(ctx, job.ID, domain.StatusProcessing, domain.StatusCompleted, domain.JobUpdate{OutputRef: &output, ProcessingSeconds: &seconds})
			if err != nil {
				t.Fatalf("processing -> completed returned error: %v", err)
			}
			if completed.OutputRef == nil || *completed.OutputRef != output || completed.FailureReason != nil {
				t.Fatalf("unexpected completed job: %+v", completed)
			}

			reason := domain.FailureReason(domain.ReasonProcessingFailure, "late")
			if _, err := s.CompareAndTransition(ctx, job.ID, domain.StatusCompleted, domain.StatusFailed, domain.JobUpdate{FailureReason: &reason}); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("expected terminal state to reject transitions, got %v", err)
			}
		})
	}
}

func TestCompareAndTransitionConflict(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newTestJob("store-user-"+id.New()[:8], time.Now().UTC())
			if err := s.Create(ctx, job); err != nil {
				t.Fatalf("Create returned error: %v", err)
			}

			startedAt := time.Now().UTC()
			_, err := s.CompareAndTransition(ctx, job.ID, domain.StatusQueued, domain.StatusProcessing, domain.JobUpdate{StartedAt: &startedAt})
			if !errors.Is(err, domain.ErrStatusConflict) {
				t.Fatalf("expected ErrStatusConflict, got %v", err)
			}

			_, err = s.CompareAndTransition(ctx, "job_missing", domain.StatusPending, domain.StatusQueued, domain.JobUpdate{})
			if !errors.Is(err, domain.ErrJobNotFound) {
				t.Fatalf("expected ErrJobNotFound, got %v", err)
			}

			got, err := s.Get(ctx, job.ID)
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if got.Status != domain.StatusPending {
				t.Fatalf("rejected transition must not write, got %s", got.Status)
			}
		})
	}
}

func TestCompareAndTransitionSingleWinner(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newTestJob("store-user-"+id.New()[:8], time.Now().UTC())
			if err := s.Create(ctx, job); err != nil {
				t.Fatalf("Create returned error: %v", err)
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.CompareAndTransition(ctx, job.ID, domain.StatusPending, domain.StatusQueued, domain.JobUpdate{})
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if wins != 1 {
				t.Fatalf("expected exactly one winning transition, got %d", wins)
			}
		})
	}
}

func TestListByUser(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := "store-user-" + id.New()[:8]
			base := time.Now().UTC().Truncate(time.Second)

			var newest domain.Job
			for i := 0; i < 5; i++ {
				job := newTestJob(userID, base.Add(time.Duration(i)*time.Second))
				if err := s.Create(ctx, job); err != nil {
					t.Fatalf("Create returned error: %v", err)
				}
				newest = job
			}
			if err := s.Create(ctx, newTestJob("someone-else-"+id.New()[:8], base)); err != nil {
				t.Fatalf("Create returned error: %v", err)
			}

			reason := domain.FailureReason(domain.ReasonEnqueueFailure, "broker down")
			if _, err := s.CompareAndTransition(ctx, newest.ID, domain.StatusPending, domain.StatusFailed, domain.JobUpdate{FailureReason: &reason}); err != nil {
				t.Fatalf("CompareAndTransition returned error: %v", err)
			}

			all, err := s.ListByUser(ctx, userID, ListFilter{})
			if err != nil {
				t.Fatalf("ListByUser returned error: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("expected 5 jobs, got %d", len(all))
			}
			if all[0].ID != newest.ID {
				t.Fatalf("expected newest first, got %s", all[0].ID)
			}

			limited, err := s.ListByUser(ctx, userID, ListFilter{Limit: 2})
			if err != nil {
				t.Fatalf("ListByUser returned error: %v", err)
			}
			if len(limited) != 2 {
				t.Fatalf("expected 2 jobs, got %d", len(limited))
			}

			failed, err := s.ListByUser(ctx, userID, ListFilter{Status: domain.StatusFailed})
			if err != nil {
				t.Fatalf("ListByUser returned error: %v", err)
			}
			if len(failed) != 1 || failed[0].FailureReason == nil {
				t.Fatalf("expected one failed job, got %+v", failed)
			}
		})
	}
}

func TestListStale(t *testing.T) {
	for name, s := range jobStores(t) {
		t.Run(name, func(t *testing.T) {
			lister, ok := s.(StaleLister)
			if !ok {
				t.Fatalf("%s store does not list stale jobs", name)
			}
			ctx := context.Background()
			userID := "store-user-" + id.New()[:8]
			now := time.Now().UTC().Truncate(time.Microsecond)

			abandoned := newTestJob(userID, now.Add(-2*time.Hour))
			moved := newTestJob(userID, now.Add(-2*time.Hour))
			fresh := newTestJob(userID, now)
			for _, job := range []domain.Job{abandoned, moved, fresh} {
				if err := s.Create(ctx, job); err != nil {
					t.Fatalf("Create returned error: %v", err)
				}
			}
			msg := moved.ID
			if _, err := s.CompareAndTransition(ctx, moved.ID, domain.StatusPending, domain.StatusQueued, domain.JobUpdate{QueueMessageID: &msg}); err != nil {
				t.Fatalf("CompareAndTransition returned error: %v", err)
			}

			stale, err := lister.ListStale(ctx, domain.StatusPending, now.Add(-time.Hour), 1000)
			if err != nil {
				t.Fatalf("ListStale returned error: %v", err)
			}
			var mine []string
			for _, job := range stale {
				if job.UserID == userID {
					mine = append(mine, job.ID)
				}
			}
			if len(mine) != 1 || mine[0] != abandoned.ID {
				t.Fatalf("expected only %s, got %v", abandoned.ID, mine)
			}
		})
	}
}

func TestListFilterNormalize(t *testing.T) {
	if got := (ListFilter{}).Normalize().Limit; got != DefaultListLimit {
		t.Fatalf("expected default limit, got %d", got)
	}
	if got := (ListFilter{Limit: 500}).Normalize().Limit; got != MaxListLimit {
		t.Fatalf("expected max limit, got %d", got)
	}
	if got := (ListFilter{Limit: 7}).Normalize().Limit; got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
