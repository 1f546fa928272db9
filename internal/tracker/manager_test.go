package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/agent/internal/activity"
	"github.com/worklens/agent/internal/botdetect"
	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/scoring"
	"github.com/worklens/agent/internal/store"
)

func newTestManager(t *testing.T, st *store.Store) *Manager {
	t.Helper()
	acc := activity.NewAccumulator()
	collector := activity.NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())
	return NewManager(Config{UserID: "user-1", DeviceID: "device-a"}, st, acc, collector, nil, zerolog.Nop())
}

func TestManagerStartStopSession(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)

	sess, err := m.StartSession(context.Background(), store.ModeCommandHours, "proj-1", "refactor")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, "proj-1", sess.ProjectID)

	active, err := st.GetActiveSession("user-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sess.ID, active.ID)

	m.acc.RecordKey(65, time.Now().UnixMilli())
	require.NoError(t, m.StopSession())

	active, err = st.GetActiveSession("user-1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Nil(t, m.Active())

	// The final partial period was flushed and persisted before return.
	periods, err := st.PeriodsOverlapping(sess.ID, 0, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, 1, periods[0].Metrics.KeyHits)
}

func TestManagerStopWithoutSession(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)
	assert.ErrorIs(t, m.StopSession(), agerrors.ErrNoActiveSession)
}

func TestManagerRejectsUnknownMode(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)
	_, err := m.StartSession(context.Background(), "freelance_hours", "", "")
	assert.ErrorIs(t, err, agerrors.ErrInvalidInput)
}

func TestManagerStartForceEndsPrevious(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)

	first, err := m.StartSession(context.Background(), store.ModeCommandHours, "", "")
	require.NoError(t, err)
	second, err := m.StartSession(context.Background(), store.ModeClientHours, "", "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	prev, err := st.GetSession(first.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)
	assert.NotZero(t, prev.EndTime)

	id, err := st.CurrentSessionID()
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)

	require.NoError(t, m.StopSession())
}

func TestManagerSwitchMode(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)

	_, err := m.StartSession(context.Background(), store.ModeCommandHours, "", "")
	require.NoError(t, err)

	switched, err := m.SwitchMode(context.Background(), store.ModeClientHours, "proj-2", "")
	require.NoError(t, err)
	assert.Equal(t, store.ModeClientHours, switched.Mode)

	active := m.Active()
	require.NotNil(t, active)
	assert.Equal(t, switched.ID, active.ID)

	require.NoError(t, m.StopSession())
}

func TestManagerRestoreSession(t *testing.T) {
	st := newTestStore(t)

	sess := &store.Session{
		UserID:    "user-1",
		Mode:      store.ModeCommandHours,
		StartTime: time.Now().UnixMilli(),
		DeviceID:  "device-a",
	}
	require.NoError(t, st.CreateSession(sess))

	// A fresh manager, as after a process restart.
	m := newTestManager(t, st)
	restored, err := m.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.ID, restored.ID)
	require.NotNil(t, m.Active())

	require.NoError(t, m.StopSession())
}

func TestManagerRestoreNoActiveSession(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)
	_, err := m.RestoreSession(context.Background())
	assert.ErrorIs(t, err, agerrors.ErrNoActiveSession)
}

func TestManagerRestoreEndsPreviousDaySession(t *testing.T) {
	st := newTestStore(t)

	sess := &store.Session{
		UserID:    "user-1",
		Mode:      store.ModeCommandHours,
		StartTime: time.Now().UTC().Add(-48 * time.Hour).UnixMilli(),
		DeviceID:  "device-a",
	}
	require.NoError(t, st.CreateSession(sess))

	m := newTestManager(t, st)
	_, err := m.RestoreSession(context.Background())
	assert.ErrorIs(t, err, agerrors.ErrNoActiveSession)

	got, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestManagerEditorCounts(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)

	err := m.ReportEditorCounts(scoring.EditorCounts{CodeCommitsCount: 1})
	assert.ErrorIs(t, err, agerrors.ErrNoActiveSession)

	sess, err := m.StartSession(context.Background(), store.ModeClientHours, "", "")
	require.NoError(t, err)
	require.NoError(t, m.ReportEditorCounts(scoring.EditorCounts{CodeCommitsCount: 3, NetLinesCount: 5}))
	require.NoError(t, m.StopSession())

	periods, err := st.PeriodsOverlapping(sess.ID, 0, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, periods, 1)
	// commits 30 + lines 10 = 40, boosted on persist.
	assert.Equal(t, scoring.ApplyBoost(40, scoring.StorageBoost), periods[0].ActivityScore)
}

func TestManagerRecordScreenshot(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st)

	err := m.RecordScreenshot(&store.Screenshot{LocalPath: "/tmp/shots/x.png"})
	assert.ErrorIs(t, err, agerrors.ErrNoActiveSession)

	sess, err := m.StartSession(context.Background(), store.ModeCommandHours, "", "")
	require.NoError(t, err)

	sc := &store.Screenshot{LocalPath: "/tmp/shots/x.png"}
	require.NoError(t, m.RecordScreenshot(sc))
	assert.Equal(t, sess.ID, sc.SessionID)
	assert.Equal(t, "user-1", sc.UserID)
	assert.Equal(t, store.ModeCommandHours, sc.Mode)
	assert.NotZero(t, sc.CapturedAt)

	require.NoError(t, m.StopSession())

	require.NotEmpty(t, sc.ID)
	stored, err := st.GetScreenshot(sc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, sc.LocalPath, stored.LocalPath)
}
