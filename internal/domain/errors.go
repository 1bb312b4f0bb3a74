package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the repository
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrCancelRequested is returned when claiming a job that has a pending cancellation
	ErrCancelRequested = errors.New("job cancellation requested")

	// ErrJobCancelled is the cancellation cause used to stop a running job
	ErrJobCancelled = errors.New("job cancelled")

	// ErrInsufficientCredits is returned when the balance does not cover the reservation
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNotReserved is returned when settling a job without a reservation for its attempt
	ErrNotReserved = errors.New("no credit reservation for job")

	// ErrRetryBudgetExhausted is returned when a failed job has no retries left
	ErrRetryBudgetExhausted = errors.New("job retry budget exhausted")

	// ErrAccountNotFound is returned when the user has no credit account
	ErrAccountNotFound = errors.New("credit account not found")

	// ErrEmptyText is returned when the submitted text has nothing to translate
	ErrEmptyText = errors.New("text is empty")

	// ErrInvalidRequest is returned when a submission fails validation
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidResponse is returned when the engine answered 2xx with an unknown payload shape
	ErrInvalidResponse = errors.New("invalid translation response")

	// ErrInvalidPayload is returned when a queue message cannot be decoded
	ErrInvalidPayload = errors.New("invalid job payload")
)

// UpstreamError is a failed call to the translation engine
type UpstreamError struct {
	// StatusCode is the HTTP status, 0 for network failures and timeouts
	StatusCode int

	// Transient marks errors worth retrying
	Transient bool

	// RetryAfter is the delay the engine asked for, if any
	RetryAfter time.Duration

	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream error (status code: %d, transient: %t)", e.StatusCode, e.Transient)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is an upstream error worth retrying
func IsTransient(err error) bool {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Transient
	}
	return false
}

// RetryableError wraps transient errors that should trigger a requeue
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
