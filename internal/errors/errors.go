// Package errors provides structured error types for the activity agent.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout         = errors.New("operation timed out")
	ErrUnavailable     = errors.New("service unavailable")
	ErrNotFound        = errors.New("resource not found")
	ErrNoActiveSession = errors.New("no active session")
	ErrAlreadyRunning  = errors.New("tracking already running")
	ErrInvalidInput    = errors.New("invalid input")
	ErrSyncFailed      = errors.New("sync permanently failed")
	ErrHookUnavailable = errors.New("input hook unavailable")
)

// APIError represents an error from the remote sync endpoint.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// ConflictError reports that another device already recorded data for the same
// user inside the same 10-minute window. It is terminal: the data must not be
// merged, and the item carrying it is never retried.
type ConflictError struct {
	CurrentDevice     string
	ConflictingDevice string
	WindowStart       time.Time
	WindowEnd         time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent session detected: device %s conflicts with %s in window [%s, %s)",
		e.CurrentDevice, e.ConflictingDevice,
		e.WindowStart.UTC().Format(time.RFC3339), e.WindowEnd.UTC().Format(time.RFC3339))
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Conflicts are never retryable.
func IsRetryable(err error) bool {
	if IsConflict(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
