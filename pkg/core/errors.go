package core

import (
	"errors"
	"fmt"
	"time"
)

// Broker and processing errors
var (
	ErrBadEndpoint        = errors.New("jobs: bad broker endpoint (expected beanstalk://host[:port])")
	ErrNotConnected       = errors.New("jobs: not connected to broker")
	ErrNoActiveConnection = errors.New("jobs: no active broker connection")
	ErrJobFormatInvalid   = errors.New("jobs: job format invalid")
	ErrHandlerNotFound    = errors.New("jobs: no handler registered for job")
	ErrJobTimeout         = errors.New("jobs: job exceeded its time to run")
	ErrHalted             = errors.New("jobs: halted by hook")
	ErrShutdownTimeout    = errors.New("jobs: shutdown timed out")
	ErrInvalidConfig      = errors.New("jobs: invalid configuration")
)

// Validation errors
var (
	ErrInvalidClassName = errors.New("jobs: invalid job class name")
	ErrClassNameTooLong = errors.New("jobs: job class name too long")
	ErrInvalidTubeName  = errors.New("jobs: invalid tube name")
	ErrTubeNameTooLong  = errors.New("jobs: tube name too long")
	ErrJobArgsTooLarge  = errors.New("jobs: job body exceeds size limit")
)

// NoRetryError indicates an error that should not be retried.
// The worker buries the job immediately.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
// The delay replaces the configured backoff for this attempt only.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// JobTimeoutError is returned when a perform outlives its time-to-run guard.
type JobTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("jobs: %s hit %v timeout", e.Name, e.Timeout)
}

func (e *JobTimeoutError) Unwrap() error {
	return ErrJobTimeout
}

// IsConnectionError reports whether err means the broker cannot be reached.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoActiveConnection)
}
