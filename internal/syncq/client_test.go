package syncq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/retry"
	"github.com/worklens/agent/internal/store"
)

func testItem() *store.SyncItem {
	return &store.SyncItem{
		ID:         "item-1",
		EntityType: store.EntitySession,
		EntityID:   "sess-1",
		Operation:  store.OpCreate,
		Payload:    json.RawMessage(`{"id":"sess-1"}`),
	}
}

// fastRetry keeps in-line retries from slowing tests down.
var fastRetry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestClientPushSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotEnv pushEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEnv))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", "device-a", time.Second, zerolog.Nop())
	err := c.Push(context.Background(), testItem())
	require.NoError(t, err)

	assert.Equal(t, "/v1/sync/session", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "sess-1", gotEnv.EntityID)
	assert.Equal(t, store.OpCreate, gotEnv.Operation)
	assert.Equal(t, "device-a", gotEnv.DeviceID)
}

func TestClientPushServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	c.SetRetryConfig(fastRetry)
	err := c.Push(context.Background(), testItem())
	require.Error(t, err)

	var apiErr *agerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.True(t, agerrors.IsRetryable(err))
}

func TestClientPushClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	err := c.Push(context.Background(), testItem())
	require.Error(t, err)
	assert.False(t, agerrors.IsRetryable(err))
}

func TestClientPushTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	c.SetRetryConfig(fastRetry)
	err := c.Push(context.Background(), testItem())
	require.Error(t, err)
	assert.ErrorIs(t, err, agerrors.ErrUnavailable)
	assert.True(t, agerrors.IsRetryable(err))
}

func TestClientPushRecoversFromTransientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	c.SetRetryConfig(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	require.NoError(t, c.Push(context.Background(), testItem()))
	assert.Equal(t, 2, calls)
}

func TestClientPushDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	c.SetRetryConfig(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	require.Error(t, c.Push(context.Background(), testItem()))
	assert.Equal(t, 1, calls)
}

func TestClientPushConflict(t *testing.T) {
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictBody{
			Error:             conflictCode,
			CurrentDevice:     "device-a",
			ConflictingDevice: "device-b",
			WindowStart:       start.UnixMilli(),
			WindowEnd:         end.UnixMilli(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	err := c.Push(context.Background(), testItem())
	require.Error(t, err)
	require.True(t, agerrors.IsConflict(err))
	assert.False(t, agerrors.IsRetryable(err))

	var ce *agerrors.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "device-b", ce.ConflictingDevice)
	assert.Equal(t, start, ce.WindowStart)
	assert.Equal(t, end, ce.WindowEnd)
}

func TestClientPushUnstructured409(t *testing.T) {
	// A 409 without the conflict code is an ordinary API error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"DUPLICATE"}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "device-a", time.Second, zerolog.Nop())
	err := c.Push(context.Background(), testItem())
	require.Error(t, err)
	assert.False(t, agerrors.IsConflict(err))

	var apiErr *agerrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}
