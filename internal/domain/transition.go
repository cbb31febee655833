package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	ReasonEnqueueFailure    = "EnqueueFailure"
	ReasonProcessingFailure = "ProcessingFailure"
	ReasonInputNotFound     = "InputNotFound"
)

// processing -> processing lets a redelivered message take over an attempt
// that was abandoned by a crashed or timed-out worker.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks the state table and the field invariants of the
// target status before anything is written.
func ValidateTransition(from, to Status, update JobUpdate) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	hasOutput := update.OutputRef != nil && strings.TrimSpace(*update.OutputRef) != ""
	hasReason := update.FailureReason != nil && strings.TrimSpace(*update.FailureReason) != ""

	switch to {
	case StatusCompleted:
		if !hasOutput {
			return fmt.Errorf("%w: completed requires an output reference", ErrInvalidTransition)
		}
	default:
		if update.OutputRef != nil {
			return fmt.Errorf("%w: output reference is only allowed on completed", ErrInvalidTransition)
		}
	}

	switch to {
	case StatusFailed:
		if !hasReason {
			return fmt.Errorf("%w: failed requires a failure reason", ErrInvalidTransition)
		}
	default:
		if update.FailureReason != nil {
			return fmt.Errorf("%w: failure reason is only allowed on failed", ErrInvalidTransition)
		}
	}
	return nil
}

// Apply returns a copy of j moved to status with update written over it. The
// caller is expected to have run ValidateTransition.
func (j Job) Apply(status Status, update JobUpdate, now time.Time) Job {
	j.Status = status
	j.UpdatedAt = now
	if update.OutputRef != nil {
		j.OutputRef = stringPtr(*update.OutputRef)
	}
	if update.FailureReason != nil {
		j.FailureReason = stringPtr(*update.FailureReason)
	}
	if update.QueueMessageID != nil {
		j.QueueMessageID = stringPtr(*update.QueueMessageID)
	}
	if update.StartedAt != nil {
		startedAt := *update.StartedAt
		j.StartedAt = &startedAt
	}
	if update.ProcessingSeconds != nil {
		seconds := *update.ProcessingSeconds
		j.ProcessingSeconds = &seconds
	}
	if update.IncrementAttempts {
		j.Attempts++
	}
	return j
}

// FailureReason formats a human-readable reason prefixed with its error class,
// e.g. "EnqueueFailure: redis: connection refused".
func FailureReason(class, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return class
	}
	return class + ": " + detail
}

func stringPtr(s string) *string {
	return &s
}
