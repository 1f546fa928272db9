package activity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/worklens/agent/internal/botdetect"
	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/hook"
	"github.com/worklens/agent/internal/metrics"
)

// idleThreshold is how long without input before a sampled second stops
// counting as active.
const idleThreshold = 60 * time.Second

// Collector drains the input hook's event channel into the accumulator and
// the bot detector, and samples active seconds once per second. It is the only
// writer of the accumulator, which keeps the hook callback path non-blocking.
type Collector struct {
	acc      *Accumulator
	detector *botdetect.Detector
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu            sync.Mutex
	activeSeconds int
	running       bool

	now func() time.Time
}

// NewCollector wires an accumulator and detector to an input event stream.
func NewCollector(acc *Accumulator, detector *botdetect.Detector, m *metrics.Metrics, logger zerolog.Logger) *Collector {
	return &Collector{
		acc:      acc,
		detector: detector,
		metrics:  m,
		logger:   logger.With().Str("component", "collector").Logger(),
		now:      time.Now,
	}
}

// Start launches the event drain and the 1-second idle sampler. It returns
// immediately; cancel ctx to stop both.
func (c *Collector) Start(ctx context.Context, events <-chan hook.Event) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return agerrors.ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	go c.drain(ctx, events)
	go c.sample(ctx)
	return nil
}

func (c *Collector) drain(ctx context.Context, events <-chan hook.Event) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info().Msg("input event channel closed")
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Collector) handle(ev hook.Event) {
	switch ev.Kind {
	case hook.KindKey:
		c.acc.RecordKey(ev.Code, ev.UnixMs)
		c.detector.RecordKey(ev.Code, ev.UnixMs)
	case hook.KindClick:
		c.acc.RecordClick(ev.Right, ev.UnixMs)
		c.detector.RecordClick(ev.UnixMs)
	case hook.KindScroll:
		c.acc.RecordScroll(ev.UnixMs)
	case hook.KindMove:
		c.acc.RecordMove(ev.X, ev.Y, ev.UnixMs)
	}

	// A burst of detected automation discounts the whole period so far.
	if c.detector.Suspicious() {
		if c.acc.ApplyRetroactivePenalty() {
			if c.metrics != nil {
				c.metrics.RecordBotFlag()
			}
			c.logger.Warn().
				Float64("suspicion", c.detector.Suspicion()).
				Msg("automation suspected, halving period key totals")
		}
	}
}

// sample increments activeSeconds once a second while recent input exists.
func (c *Collector) sample(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := c.acc.LastActivity()
			if last == 0 {
				continue
			}
			if c.now().UnixMilli()-last < idleThreshold.Milliseconds() {
				c.mu.Lock()
				c.activeSeconds++
				c.mu.Unlock()
			}
		}
	}
}

// TakeActiveSeconds returns the active seconds sampled since the last call
// and resets the counter. Called once per period boundary.
func (c *Collector) TakeActiveSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.activeSeconds
	c.activeSeconds = 0
	return s
}

// Suspicion exposes the detector's current score for the period scorer.
func (c *Collector) Suspicion() float64 {
	return c.detector.Suspicion()
}
