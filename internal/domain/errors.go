package domain

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInputNotFound     = errors.New("input not found")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrEnqueueFailure    = errors.New("enqueue failure")
	ErrJobNotFound       = errors.New("job not found")
	ErrForbidden         = errors.New("forbidden")
	ErrJobNotCompleted   = errors.New("job not completed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("job status changed concurrently")
)
