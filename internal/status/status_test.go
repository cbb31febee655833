package status

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/quota"
	"github.com/dunamismax/portraitflow/internal/storage"
	"github.com/dunamismax/portraitflow/internal/store"
)

type fixture struct {
	svc    *Service
	jobs   *store.MemoryJobStore
	ledger *quota.MemoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jobs := store.NewMemoryJobStore()
	ledger := quota.NewMemoryLedger()
	svc, err := NewService(Config{DailyLimit: 10}, jobs, ledger, storage.NewMemoryBucket("results"))
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return &fixture{svc: svc, jobs: jobs, ledger: ledger}
}

func (f *fixture) createJob(t *testing.T, userID string) domain.Job {
	t.Helper()
	job := domain.NewJob("job_"+userID, domain.SubmitRequest{
		UserID:      userID,
		InputRef:    "uploads/" + userID + "/a.png",
		Instruction: "portrait",
		Style:       "custom",
	}, time.Now().UTC())
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return job
}

func (f *fixture) complete(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	startedAt := time.Now().UTC()
	output := "generated/owner/" + jobID + ".png"
	steps := []struct {
		from, to domain.Status
		update   domain.JobUpdate
	}{
		{domain.StatusPending, domain.StatusQueued, domain.JobUpdate{}},
		{domain.StatusQueued, domain.StatusProcessing, domain.JobUpdate{StartedAt: &startedAt}},
		{domain.StatusProcessing, domain.StatusCompleted, domain.JobUpdate{OutputRef: &output}},
	}
	for _, step := range steps {
		if _, err := f.jobs.CompareAndTransition(ctx, jobID, step.from, step.to, step.update); err != nil {
			t.Fatalf("%s -> %s: %v", step.from, step.to, err)
		}
	}
}

func TestGetStatusOwnership(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "owner")

	snap, err := f.svc.GetStatus(context.Background(), job.ID, "owner")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != domain.StatusPending || snap.OutputURL != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := f.svc.GetStatus(context.Background(), job.ID, "intruder"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.GetStatus(context.Background(), "job_unknown", "owner"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetStatusCompletedIncludesSignedURL(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "owner")
	f.complete(t, job.ID)

	snap, err := f.svc.GetStatus(context.Background(), job.ID, "owner")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Job.Status)
	}
	if !strings.Contains(snap.OutputURL, "expires=86400") {
		t.Fatalf("expected 24h signed url, got %q", snap.OutputURL)
	}
}

func TestDownloadURL(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, "owner")

	if _, err := f.svc.DownloadURL(context.Background(), job.ID, "owner"); !errors.Is(err, domain.ErrJobNotCompleted) {
		t.Fatalf("expected ErrJobNotCompleted, got %v", err)
	}

	f.complete(t, job.ID)
	dl, err := f.svc.DownloadURL(context.Background(), job.ID, "owner")
	if err != nil {
		t.Fatalf("DownloadURL returned error: %v", err)
	}
	if dl.ExpiresIn != time.Hour || !strings.Contains(dl.URL, "expires=3600") {
		t.Fatalf("expected 1h url, got %+v", dl)
	}
	if _, err := f.svc.DownloadURL(context.Background(), job.ID, "intruder"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	f.createJob(t, "owner")

	if _, err := f.svc.ListJobs(context.Background(), "owner", store.ListFilter{Status: "archived"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	jobs, err := f.svc.ListJobs(context.Background(), "owner", store.ListFilter{Status: domain.StatusPending})
	if err != nil {
		t.Fatalf("ListJobs returned error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
}

func TestQuotaSummary(t *testing.T) {
	f := newFixture(t)
	day := quota.Day(time.Now())
	for i := 0; i < 3; i++ {
		if _, err := f.ledger.TryReserve(context.Background(), "owner", day, 10); err != nil {
			t.Fatalf("TryReserve returned error: %v", err)
		}
	}

	summary, err := f.svc.Quota(context.Background(), "owner")
	if err != nil {
		t.Fatalf("Quota returned error: %v", err)
	}
	if summary.DailyLimit != 10 || summary.UsedToday != 3 || summary.RemainingQuota != 7 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
