package syncq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/agent/internal/retry"
	"github.com/worklens/agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "agent.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestQueue(t *testing.T, st *store.Store, serverURL string) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backoff = retry.Config{MaxAttempts: store.MaxSyncAttempts, BaseDelay: time.Minute, MaxDelay: 15 * time.Minute}
	client := NewClient(serverURL, "tok", "device-a", time.Second, zerolog.Nop())
	client.SetRetryConfig(retry.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return New(cfg, st, client, nil, zerolog.Nop())
}

func seedSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	sess := &store.Session{
		UserID:    "user-1",
		Mode:      store.ModeCommandHours,
		StartTime: time.Now().Add(-time.Hour).UnixMilli(),
		DeviceID:  "device-a",
	}
	require.NoError(t, st.CreateSession(sess))
	return sess
}

func TestQueueDrainSuccess(t *testing.T) {
	st := newTestStore(t)
	sess := seedSession(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	synced := q.DrainOnce(context.Background())
	assert.Equal(t, 1, synced)

	pending, failed, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, failed)

	got, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
}

func TestQueueTransientFailureRetries(t *testing.T) {
	st := newTestStore(t)
	seedSession(t, st)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	now := time.Now()
	q.now = func() time.Time { return now }

	assert.Equal(t, 0, q.DrainOnce(context.Background()))

	items, err := st.ListPending(0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "503")

	// Within the backoff window the item is skipped.
	assert.Equal(t, 0, q.DrainOnce(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	// Past the backoff window it is retried until success.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, q.DrainOnce(context.Background()))
	now = now.Add(3 * time.Minute)
	assert.Equal(t, 1, q.DrainOnce(context.Background()))

	pending, _, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueueExhaustedAttemptsBecomeFailed(t *testing.T) {
	st := newTestStore(t)
	seedSession(t, st)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	now := time.Now()
	q.now = func() time.Time { return now }

	for i := 0; i < store.MaxSyncAttempts; i++ {
		q.DrainOnce(context.Background())
		now = now.Add(time.Hour)
	}

	pending, failed, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, 1, failed)

	failedItems, err := st.ListFailed()
	require.NoError(t, err)
	require.Len(t, failedItems, 1)
	assert.True(t, failedItems[0].Failed())
}

func TestQueueConflictIsTerminal(t *testing.T) {
	st := newTestStore(t)
	seedSession(t, st)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflictBody{
			Error:             conflictCode,
			CurrentDevice:     "device-a",
			ConflictingDevice: "device-b",
			WindowStart:       start.UnixMilli(),
			WindowEnd:         start.Add(10 * time.Minute).UnixMilli(),
		})
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	assert.Equal(t, 0, q.DrainOnce(context.Background()))

	// One attempt, no retries: the item went straight to failed.
	pending, failed, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, 1, failed)

	q.DrainOnce(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	ce := q.LastConflict()
	require.NotNil(t, ce)
	assert.Equal(t, "device-b", ce.ConflictingDevice)
	assert.Equal(t, start, ce.WindowStart)
}

func TestQueueDependencyOrder(t *testing.T) {
	st := newTestStore(t)
	sess := seedSession(t, st)

	sc := &store.Screenshot{
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		LocalPath:  "/tmp/shots/a.png",
		CapturedAt: time.Now().UnixMilli(),
	}
	_, err := st.SaveScreenshot(sc)
	require.NoError(t, err)

	var gotOrder []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env pushEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		gotOrder = append(gotOrder, env.EntityType)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	assert.Equal(t, 2, q.DrainOnce(context.Background()))
	assert.Equal(t, []string{store.EntitySession, store.EntityScreenshot}, gotOrder)
}

func TestQueueStartStop(t *testing.T) {
	st := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, st, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Start(ctx))
	assert.Error(t, q.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !q.IsRunning() }, 2*time.Second, 10*time.Millisecond)
}
