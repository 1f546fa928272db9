// Package tracker runs the per-session measurement loops: the one-minute
// period scheduler, the ten-minute window manager, and the session manager
// that wires them to the store.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/worklens/agent/internal/activity"
	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/scoring"
	"github.com/worklens/agent/internal/store"
)

// PeriodSink receives each completed in-memory period for windowing.
type PeriodSink interface {
	AddPeriod(p *store.ActivityPeriod)
}

// PeriodScheduler snapshots the accumulator into an immutable activity period
// once a minute. The first tick is aligned to the next wall-clock minute
// boundary; after a restart the boundary is recomputed from current time, not
// resumed from a stale schedule.
type PeriodScheduler struct {
	session   *store.Session
	acc       *activity.Accumulator
	collector *activity.Collector
	sink      PeriodSink
	boost     float64
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu          sync.Mutex
	running     bool
	periodStart time.Time
	editor      scoring.EditorCounts

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// NewPeriodScheduler creates a scheduler for one session.
func NewPeriodScheduler(sess *store.Session, acc *activity.Accumulator, collector *activity.Collector,
	sink PeriodSink, boost float64, m *metrics.Metrics, logger zerolog.Logger) *PeriodScheduler {
	if boost <= 0 {
		boost = scoring.StorageBoost
	}
	return &PeriodScheduler{
		session:   sess,
		acc:       acc,
		collector: collector,
		sink:      sink,
		boost:     boost,
		metrics:   m,
		logger:    logger.With().Str("component", "period-scheduler").Str("session_id", sess.ID).Logger(),
		now:       time.Now,
	}
}

// Start begins ticking. The current period opens at the call time and closes
// at the next minute boundary.
func (ps *PeriodScheduler) Start(ctx context.Context) error {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		return agerrors.ErrAlreadyRunning
	}
	ps.running = true
	ps.periodStart = ps.now()
	ps.stop = make(chan struct{})
	ps.done = make(chan struct{})
	ps.mu.Unlock()

	go ps.run(ctx)
	return nil
}

func (ps *PeriodScheduler) run(ctx context.Context) {
	defer func() {
		ps.mu.Lock()
		ps.running = false
		ps.mu.Unlock()
		close(ps.done)
	}()

	first := ps.now().Truncate(time.Minute).Add(time.Minute)
	timer := time.NewTimer(first.Sub(ps.now()))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-ps.stop:
		return
	case <-timer.C:
		ps.flush(ps.now())
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.stop:
			return
		case <-ticker.C:
			ps.flush(ps.now())
		}
	}
}

// Stop halts the loop and flushes one final partial period. It returns only
// after the flush has been handed to the sink, so a fast stop/start cycle
// loses no data.
func (ps *PeriodScheduler) Stop() {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return
	}
	stop, done := ps.stop, ps.done
	ps.mu.Unlock()

	close(stop)
	<-done
	ps.flush(ps.now())
}

// ReportEditorCounts folds an editor extension payload into the current
// period. Counts accumulate until the period closes.
func (ps *PeriodScheduler) ReportEditorCounts(c scoring.EditorCounts) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.editor.CodeCommitsCount += c.CodeCommitsCount
	ps.editor.FilesSavedCount += c.FilesSavedCount
	ps.editor.CaretMovedCount += c.CaretMovedCount
	ps.editor.NetLinesCount += c.NetLinesCount
}

// flush closes the current period at end, scores it, and emits it.
func (ps *PeriodScheduler) flush(end time.Time) {
	ps.mu.Lock()
	start := ps.periodStart
	ps.periodStart = end
	editor := ps.editor
	ps.editor = scoring.EditorCounts{}
	ps.mu.Unlock()

	if !end.After(start) {
		return
	}

	m := ps.acc.SnapshotAndReset()
	activeSecs := ps.collector.TakeActiveSeconds()
	elapsed := end.Sub(start).Minutes()

	var raw int
	if ps.session.Mode == store.ModeClientHours {
		raw = scoring.ClientScore(editor)
	} else {
		raw = scoring.CommandScore(m, elapsed, activeSecs, ps.collector.Suspicion())
	}
	score := scoring.ApplyBoost(raw, ps.boost)

	p := &store.ActivityPeriod{
		SessionID:      ps.session.ID,
		UserID:         ps.session.UserID,
		PeriodStart:    start.UnixMilli(),
		PeriodEnd:      end.UnixMilli(),
		Mode:           ps.session.Mode,
		ActivityScore:  score,
		IsValid:        score > 0,
		Classification: classify(m),
		Metrics:        m,
	}

	if ps.metrics != nil {
		ps.metrics.RecordPeriod(p.Mode)
	}
	ps.logger.Debug().
		Int("score", score).
		Int("key_hits", m.KeyHits).
		Int("active_seconds", activeSecs).
		Time("period_start", start).
		Msg("period closed")

	ps.sink.AddPeriod(p)
}

// classify labels a period by its dominant input shape.
func classify(m activity.Metrics) string {
	switch {
	case m.KeyHits == 0 && m.MouseClicks == 0 && m.MouseScrolls == 0:
		return ""
	case m.ProductiveKeyHits > 0 && m.ProductiveKeyHits >= m.MouseScrolls:
		return "coding"
	default:
		return "browsing"
	}
}
