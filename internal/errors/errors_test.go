package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("sync", 503, "unavailable")
	assert.Contains(t, err.Error(), "sync")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "unavailable")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "sync", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("sync", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("sync", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewAPIError("sync", 503, "unavailable")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrUnavailable))

	assert.False(t, IsRetryable(NewAPIError("sync", 401, "unauth")))
	assert.False(t, IsRetryable(NewAPIError("sync", 404, "not found")))
	assert.False(t, IsRetryable(ErrNoActiveSession))
	assert.False(t, IsRetryable(ErrInvalidInput))
}

func TestConflictError(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 20, 0, 0, time.UTC)
	ce := &ConflictError{
		CurrentDevice:     "dev-a",
		ConflictingDevice: "dev-b",
		WindowStart:       start,
		WindowEnd:         start.Add(10 * time.Minute),
	}

	assert.Contains(t, ce.Error(), "dev-a")
	assert.Contains(t, ce.Error(), "dev-b")
	assert.Contains(t, ce.Error(), "10:20")

	assert.True(t, IsConflict(ce))
	assert.True(t, IsConflict(fmt.Errorf("drain: %w", ce)))
	assert.False(t, IsConflict(ErrTimeout))

	// Conflicts must never be retried, even wrapped in a retryable-looking APIError.
	assert.False(t, IsRetryable(ce))
	assert.False(t, IsRetryable(&APIError{Service: "sync", StatusCode: 409, Message: "conflict", Err: ce}))
}
