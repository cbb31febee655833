package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	DefaultStyle         = "custom"
	MaxStyleLength       = 64
	MaxInstructionLength = 2000
	UploadKeyPrefix      = "uploads/"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, raw)
	}
	return status, nil
}

// Job is the durable record of one generation request. OutputRef is set only
// when Status is completed and FailureReason only when Status is failed.
type Job struct {
	ID                string     `db:"id"`
	UserID            string     `db:"user_id"`
	Status            Status     `db:"status"`
	Style             string     `db:"style"`
	InputRef          string     `db:"input_ref"`
	Instruction       string     `db:"instruction"`
	OutputRef         *string    `db:"output_ref"`
	FailureReason     *string    `db:"failure_reason"`
	Attempts          int        `db:"attempts"`
	QueueMessageID    *string    `db:"queue_message_id"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	StartedAt         *time.Time `db:"started_at"`
	ProcessingSeconds *float64   `db:"processing_seconds"`
}

// JobUpdate carries the optional fields written alongside a status transition.
// Nil fields leave the stored value untouched.
type JobUpdate struct {
	OutputRef         *string
	FailureReason     *string
	QueueMessageID    *string
	StartedAt         *time.Time
	ProcessingSeconds *float64
	IncrementAttempts bool
}

type SubmitRequest struct {
	UserID      string
	InputRef    string
	Instruction string
	Style       string
}

type SubmitResult struct {
	JobID          string
	Status         Status
	RemainingQuota int
}

func (r SubmitRequest) Normalize() SubmitRequest {
	r.UserID = strings.TrimSpace(r.UserID)
	r.InputRef = strings.TrimSpace(r.InputRef)
	r.Instruction = strings.TrimSpace(r.Instruction)
	r.Style = strings.TrimSpace(r.Style)
	if r.Style == "" {
		r.Style = DefaultStyle
	}
	return r
}

func (r SubmitRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if r.InputRef == "" {
		return fmt.Errorf("%w: inputRef is required", ErrInvalidRequest)
	}
	if !strings.HasPrefix(r.InputRef, UploadKeyPrefix) || r.InputRef == UploadKeyPrefix {
		return fmt.Errorf("%w: inputRef must reference an object under %s", ErrInvalidRequest, UploadKeyPrefix)
	}
	if strings.Contains(r.InputRef, "..") {
		return fmt.Errorf("%w: inputRef must not contain path traversal", ErrInvalidRequest)
	}
	if r.Instruction == "" {
		return fmt.Errorf("%w: instruction is required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(r.Instruction) > MaxInstructionLength {
		return fmt.Errorf("%w: instruction is too long (max %d characters)", ErrInvalidRequest, MaxInstructionLength)
	}
	if utf8.RuneCountInString(r.Style) > MaxStyleLength {
		return fmt.Errorf("%w: style is too long (max %d characters)", ErrInvalidRequest, MaxStyleLength)
	}
	return nil
}

// NewJob builds the pending record created at submission time.
func NewJob(id string, req SubmitRequest, now time.Time) Job {
	return Job{
		ID:          id,
		UserID:      req.UserID,
		Status:      StatusPending,
		Style:       req.Style,
		InputRef:    req.InputRef,
		Instruction: req.Instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
