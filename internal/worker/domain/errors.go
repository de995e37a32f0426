package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is
	// not in the queued state anymore
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in queued status")

	// ErrInvalidMessage is returned when a dispatch message is malformed
	ErrInvalidMessage = errors.New("invalid dispatch message")
)

// RetryableError wraps transient errors that should trigger a requeue.
// Execution failures are terminal and never wrapped; only claim-time
// infrastructure errors qualify.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
