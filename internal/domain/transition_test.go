package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusQueued},
		{StatusPending, StatusFailed},
		{StatusQueued, StatusProcessing},
		{StatusQueued, StatusFailed},
		{StatusProcessing, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	rejected := [][2]Status{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCompleted},
		{StatusQueued, StatusPending},
		{StatusQueued, StatusCompleted},
		{StatusProcessing, StatusQueued},
		{StatusCompleted, StatusFailed},
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusQueued},
		{StatusFailed, StatusFailed},
	}
	for _, pair := range rejected {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestValidateTransitionFieldInvariants(t *testing.T) {
	output := "generated/u/job.png"
	reason := FailureReason(ReasonProcessingFailure, "model timeout")

	if err := ValidateTransition(StatusProcessing, StatusCompleted, JobUpdate{OutputRef: &output}); err != nil {
		t.Fatalf("expected completed with output to be valid, got %v", err)
	}
	if err := ValidateTransition(StatusProcessing, StatusCompleted, JobUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed without output to be rejected, got %v", err)
	}
	if err := ValidateTransition(StatusProcessing, StatusFailed, JobUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed without reason to be rejected, got %v", err)
	}
	if err := ValidateTransition(StatusProcessing, StatusFailed, JobUpdate{FailureReason: &reason, OutputRef: &output}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed with output to be rejected, got %v", err)
	}
	if err := ValidateTransition(StatusQueued, StatusProcessing, JobUpdate{FailureReason: &reason}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected processing with reason to be rejected, got %v", err)
	}
}

func TestJobApply(t *testing.T) {
	created := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	job := NewJob("job_1", SubmitRequest{UserID: "u", InputRef: "uploads/a.png", Instruction: "x"}, created)

	startedAt := created.Add(time.Minute)
	job = job.Apply(StatusQueued, JobUpdate{}, startedAt)
	job = job.Apply(StatusProcessing, JobUpdate{StartedAt: &startedAt, IncrementAttempts: true}, startedAt)
	if job.Attempts != 1 || job.StartedAt == nil || !job.StartedAt.Equal(startedAt) {
		t.Fatalf("unexpected processing snapshot: %+v", job)
	}

	output := "generated/u/job_1.png"
	seconds := 12.5
	done := startedAt.Add(12 * time.Second)
	job = job.Apply(StatusCompleted, JobUpdate{OutputRef: &output, ProcessingSeconds: &seconds}, done)
	if job.Status != StatusCompleted || job.OutputRef == nil || *job.OutputRef != output {
		t.Fatalf("unexpected completed snapshot: %+v", job)
	}
	if job.FailureReason != nil {
		t.Fatal("completed job must not carry a failure reason")
	}
	if !job.UpdatedAt.Equal(done) {
		t.Fatalf("expected updated_at %v, got %v", done, job.UpdatedAt)
	}

	output = "mutated"
	if *job.OutputRef == "mutated" {
		t.Fatal("Apply must copy pointer fields")
	}
}

func TestFailureReason(t *testing.T) {
	if got := FailureReason(ReasonEnqueueFailure, " redis down "); got != "EnqueueFailure: redis down" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := FailureReason(ReasonEnqueueFailure, ""); got != "EnqueueFailure" {
		t.Fatalf("unexpected reason %q", got)
	}
}
