package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/worklens/agent/internal/lru"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/store"
)

const (
	windowLength = 10 * time.Minute

	// Single-shot timers are not trusted beyond this; longer waits become a
	// recheck loop that re-evaluates the remaining time on a short cadence.
	maxTimerDelay   = 5 * time.Minute
	recheckInterval = 30 * time.Second

	// savedWindowCap bounds the completed-window guard; enough for several
	// days of continuous tracking.
	savedWindowCap = 1024

	// persistRetryDelay spaces out re-attempts after a failed window persist.
	persistRetryDelay = 15 * time.Second
)

// windowStore is the slice of the store the window manager persists through.
type windowStore interface {
	SaveWindow(sc *store.Screenshot, periods []*store.ActivityPeriod) error
	CreateActivityPeriod(p *store.ActivityPeriod) (bool, error)
	ScreenshotsInRange(userID string, fromMs, toMs int64) ([]*store.Screenshot, error)
	PeriodsOverlapping(sessionID string, fromMs, toMs int64) ([]*store.ActivityPeriod, error)
}

// WindowManager seals 10-minute windows aligned to the hour. At completion
// the window's screenshot (if any) and every overlapping in-memory period are
// persisted as one durable unit; a window completes at most once. Items that
// arrive after their window sealed are persisted directly, relying on the
// store's idempotent writes.
type WindowManager struct {
	store   windowStore
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	pending   []*store.ActivityPeriod
	shots     map[int64]*store.Screenshot
	saved     *lru.Set[int64]
	scheduled map[int64]struct{}

	retryDelay time.Duration
	now        func() time.Time
}

// NewWindowManager creates a window manager over the store.
func NewWindowManager(st windowStore, m *metrics.Metrics, logger zerolog.Logger) *WindowManager {
	return &WindowManager{
		store:      st,
		metrics:    m,
		logger:     logger.With().Str("component", "window-manager").Logger(),
		shots:      make(map[int64]*store.Screenshot),
		saved:      lru.NewSet[int64](savedWindowCap),
		scheduled:  make(map[int64]struct{}),
		retryDelay: persistRetryDelay,
		now:        time.Now,
	}
}

// windowStart returns the hour-aligned window containing ts.
func windowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(windowLength)
}

// Start schedules completion of the window already in progress. Cancel ctx to
// stop all pending completion waits.
func (w *WindowManager) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	w.scheduleCompletion(windowStart(w.now()))
}

// AddPeriod accepts a closed period and schedules its window's completion.
// A period landing in an already-sealed window (the minute flush racing the
// window waiter at the boundary) is persisted immediately instead of waiting
// for a completion that will never rerun.
func (w *WindowManager) AddPeriod(p *store.ActivityPeriod) {
	ws := windowStart(time.UnixMilli(p.PeriodStart))
	w.mu.Lock()
	sealed := w.saved.Contains(ws.UnixMilli())
	if !sealed {
		w.pending = append(w.pending, p)
	}
	w.mu.Unlock()

	if sealed {
		w.persistLatePeriod(p, ws)
		return
	}
	w.scheduleCompletion(ws)
}

// AddScreenshot registers a capture with its owning window, determined by the
// capture timestamp, and schedules that window's completion. A capture
// delivered after its window sealed is persisted immediately, attached to the
// window's already-stored periods.
func (w *WindowManager) AddScreenshot(sc *store.Screenshot) {
	ws := windowStart(time.UnixMilli(sc.CapturedAt))
	w.mu.Lock()
	sealed := w.saved.Contains(ws.UnixMilli())
	if !sealed {
		w.shots[ws.UnixMilli()] = sc
	}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordScreenshot()
	}
	if sealed {
		w.persistLateScreenshot(sc, ws)
		return
	}
	w.scheduleCompletion(ws)
}

// persistLatePeriod writes a period that missed its window's completion,
// attaching the window's stored screenshot when one exists. On failure the
// period goes back into pending and the window is reopened so a retry picks
// it up.
func (w *WindowManager) persistLatePeriod(p *store.ActivityPeriod, ws time.Time) {
	key := ws.UnixMilli()
	endMs := ws.Add(windowLength).UnixMilli()

	if shots, err := w.store.ScreenshotsInRange(p.UserID, key, endMs); err == nil && len(shots) > 0 {
		p.ScreenshotID = shots[0].ID
	}
	if _, err := w.store.CreateActivityPeriod(p); err != nil {
		w.logger.Error().Err(err).Time("window_start", ws).Msg("failed to persist late period")
		w.mu.Lock()
		w.pending = append(w.pending, p)
		w.saved.Delete(key)
		w.mu.Unlock()
		w.scheduleCompletion(ws)
	}
}

// persistLateScreenshot writes a capture that missed its window's completion
// and attaches it to the window's already-stored periods. On failure the
// capture goes back into shots and the window is reopened.
func (w *WindowManager) persistLateScreenshot(sc *store.Screenshot, ws time.Time) {
	key := ws.UnixMilli()
	endMs := ws.Add(windowLength).UnixMilli()

	periods, err := w.store.PeriodsOverlapping(sc.SessionID, key, endMs)
	if err != nil {
		w.logger.Error().Err(err).Time("window_start", ws).Msg("failed to load window periods")
		periods = nil
	}
	if err := w.store.SaveWindow(sc, periods); err != nil {
		w.logger.Error().Err(err).Time("window_start", ws).Msg("failed to persist late screenshot")
		w.mu.Lock()
		w.shots[key] = sc
		w.saved.Delete(key)
		w.mu.Unlock()
		w.scheduleCompletion(ws)
	}
}

func (w *WindowManager) scheduleCompletion(ws time.Time) {
	key := ws.UnixMilli()

	w.mu.Lock()
	if w.saved.Contains(key) {
		w.mu.Unlock()
		return
	}
	if _, ok := w.scheduled[key]; ok {
		w.mu.Unlock()
		return
	}
	w.scheduled[key] = struct{}{}
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	go w.waitAndComplete(ctx, ws)
}

func (w *WindowManager) waitAndComplete(ctx context.Context, ws time.Time) {
	end := ws.Add(windowLength)
	for {
		remaining := end.Sub(w.now())
		if remaining <= 0 {
			w.Complete(ws)
			return
		}
		sleep := remaining
		if sleep > maxTimerDelay {
			sleep = recheckInterval
		}
		select {
		case <-ctx.Done():
			w.mu.Lock()
			delete(w.scheduled, ws.UnixMilli())
			w.mu.Unlock()
			return
		case <-time.After(sleep):
		}
	}
}

// Complete seals one window: the screenshot is persisted first to obtain its
// id, then every overlapping period is persisted referencing it. Duplicate
// timer fan-in is absorbed by the saved set.
func (w *WindowManager) Complete(ws time.Time) {
	key := ws.UnixMilli()
	endMs := ws.Add(windowLength).UnixMilli()

	w.mu.Lock()
	if w.saved.Contains(key) {
		w.mu.Unlock()
		return
	}
	sc := w.shots[key]
	var periods []*store.ActivityPeriod
	for _, p := range w.pending {
		if p.PeriodStart < endMs && p.PeriodEnd > key {
			periods = append(periods, p)
		}
	}
	if sc == nil && len(periods) == 0 {
		w.saved.Add(key)
		delete(w.scheduled, key)
		w.mu.Unlock()
		w.scheduleNext(ws)
		return
	}
	w.mu.Unlock()

	var err error
	if sc != nil {
		err = w.store.SaveWindow(sc, periods)
	} else {
		for _, p := range periods {
			if _, perr := w.store.CreateActivityPeriod(p); perr != nil {
				err = perr
				break
			}
		}
	}
	if err != nil {
		// Items stay in memory; the window re-arms after a delay so a
		// transient store error does not park data until session stop.
		w.logger.Error().Err(err).Time("window_start", ws).Msg("failed to persist window")
		w.mu.Lock()
		delete(w.scheduled, key)
		ctx := w.ctx
		w.mu.Unlock()
		if ctx != nil && ctx.Err() == nil {
			go func() {
				select {
				case <-ctx.Done():
				case <-time.After(w.retryDelay):
					w.scheduleCompletion(ws)
				}
			}()
		}
		return
	}

	persisted := make(map[*store.ActivityPeriod]struct{}, len(periods))
	for _, p := range periods {
		persisted[p] = struct{}{}
	}

	// Items can land while the persist call runs; anything that slipped into
	// this window during that gap is handed to the late path below.
	w.mu.Lock()
	w.saved.Add(key)
	var kept, stragglers []*store.ActivityPeriod
	for _, p := range w.pending {
		if _, ok := persisted[p]; ok {
			continue
		}
		if p.PeriodStart < endMs && p.PeriodEnd > key {
			stragglers = append(stragglers, p)
		} else {
			kept = append(kept, p)
		}
	}
	w.pending = kept
	lateShot := w.shots[key]
	delete(w.shots, key)
	delete(w.scheduled, key)
	w.mu.Unlock()

	for _, p := range stragglers {
		w.persistLatePeriod(p, ws)
	}
	if lateShot != nil && lateShot != sc {
		w.persistLateScreenshot(lateShot, ws)
	}

	if w.metrics != nil {
		w.metrics.RecordWindow()
	}
	w.logger.Info().
		Time("window_start", ws).
		Int("periods", len(periods)).
		Bool("screenshot", sc != nil).
		Msg("window sealed")

	w.scheduleNext(ws)
}

func (w *WindowManager) scheduleNext(ws time.Time) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	w.scheduleCompletion(ws.Add(windowLength))
}

// FlushAll completes every window that still holds items. Called on session
// stop so no measured data is left in memory.
func (w *WindowManager) FlushAll() {
	w.mu.Lock()
	targets := make(map[int64]struct{})
	for _, p := range w.pending {
		targets[windowStart(time.UnixMilli(p.PeriodStart)).UnixMilli()] = struct{}{}
	}
	for k := range w.shots {
		targets[k] = struct{}{}
	}
	w.mu.Unlock()

	for k := range targets {
		w.Complete(time.UnixMilli(k).UTC())
	}
}
