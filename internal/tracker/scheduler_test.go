package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/agent/internal/activity"
	"github.com/worklens/agent/internal/botdetect"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/scoring"
	"github.com/worklens/agent/internal/store"
)

type captureSink struct {
	mu      sync.Mutex
	periods []*store.ActivityPeriod
}

func (s *captureSink) AddPeriod(p *store.ActivityPeriod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periods = append(s.periods, p)
}

func (s *captureSink) all() []*store.ActivityPeriod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.ActivityPeriod(nil), s.periods...)
}

func newTestScheduler(mode string) (*PeriodScheduler, *activity.Accumulator, *captureSink) {
	acc := activity.NewAccumulator()
	collector := activity.NewCollector(acc, botdetect.New(), metrics.New(), zerolog.Nop())
	sink := &captureSink{}
	sess := &store.Session{ID: "sess-1", UserID: "user-1", Mode: mode}
	ps := NewPeriodScheduler(sess, acc, collector, sink, scoring.StorageBoost, nil, zerolog.Nop())
	return ps, acc, sink
}

func TestSchedulerFlushCommandMode(t *testing.T) {
	ps, acc, sink := newTestScheduler(store.ModeCommandHours)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ps.periodStart = start

	// 180 productive keys over 12 distinct codes in one minute.
	ts := start.UnixMilli()
	for i := 0; i < 180; i++ {
		acc.RecordKey(65+i%12, ts+int64(i)*300)
	}

	ps.flush(start.Add(time.Minute))

	periods := sink.all()
	require.Len(t, periods, 1)
	p := periods[0]
	assert.Equal(t, start.UnixMilli(), p.PeriodStart)
	assert.Equal(t, start.Add(time.Minute).UnixMilli(), p.PeriodEnd)
	assert.Equal(t, store.ModeCommandHours, p.Mode)
	// Raw score 70, stored with the persistence boost applied.
	assert.Equal(t, scoring.ApplyBoost(70, scoring.StorageBoost), p.ActivityScore)
	assert.True(t, p.IsValid)
	assert.Equal(t, "coding", p.Classification)
	assert.Equal(t, 180, p.Metrics.KeyHits)

	// The accumulator was reset at the boundary.
	ps.flush(start.Add(2 * time.Minute))
	periods = sink.all()
	require.Len(t, periods, 2)
	assert.Zero(t, periods[1].Metrics.KeyHits)
	assert.Zero(t, periods[1].ActivityScore)
	assert.False(t, periods[1].IsValid)
}

func TestSchedulerFlushClientMode(t *testing.T) {
	ps, _, sink := newTestScheduler(store.ModeClientHours)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ps.periodStart = start

	ps.ReportEditorCounts(scoring.EditorCounts{CodeCommitsCount: 1, FilesSavedCount: 2})
	ps.ReportEditorCounts(scoring.EditorCounts{CaretMovedCount: 100, NetLinesCount: 10})

	ps.flush(start.Add(time.Minute))

	periods := sink.all()
	require.Len(t, periods, 1)
	// commits 10 + saves 10 + caret 10 + lines 20 = 50, then boosted.
	assert.Equal(t, scoring.ApplyBoost(50, scoring.StorageBoost), periods[0].ActivityScore)

	// Editor counts do not leak into the next period.
	ps.flush(start.Add(2 * time.Minute))
	periods = sink.all()
	require.Len(t, periods, 2)
	assert.Zero(t, periods[1].ActivityScore)
}

func TestSchedulerFlushIgnoresNonAdvancingEnd(t *testing.T) {
	ps, _, sink := newTestScheduler(store.ModeCommandHours)
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	ps.periodStart = start

	ps.flush(start)
	assert.Empty(t, sink.all())
}

func TestSchedulerStopFlushesPartialPeriod(t *testing.T) {
	ps, acc, sink := newTestScheduler(store.ModeCommandHours)

	// Fake the clock so the final flush closes a few seconds after the period
	// opened, instead of racing the wall clock at millisecond granularity.
	base := time.Now()
	var ticks atomic.Int64
	ps.now = func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }

	require.NoError(t, ps.Start(context.Background()))
	assert.ErrorContains(t, ps.Start(context.Background()), "already running")

	acc.RecordKey(65, time.Now().UnixMilli())
	ps.Stop()

	periods := sink.all()
	require.Len(t, periods, 1)
	assert.Equal(t, 1, periods[0].Metrics.KeyHits)
	assert.Less(t, periods[0].PeriodStart, periods[0].PeriodEnd)

	// Stop after stop is a no-op.
	ps.Stop()
	assert.Len(t, sink.all(), 1)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", classify(activity.Metrics{}))
	assert.Equal(t, "coding", classify(activity.Metrics{KeyHits: 20, ProductiveKeyHits: 20}))
	assert.Equal(t, "browsing", classify(activity.Metrics{MouseClicks: 5, MouseScrolls: 30}))
	assert.Equal(t, "browsing", classify(activity.Metrics{KeyHits: 1, ProductiveKeyHits: 2, MouseScrolls: 40}))
}
