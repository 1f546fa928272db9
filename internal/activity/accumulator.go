// Package activity accumulates raw input events into per-period metrics.
//
// The accumulator is the single mutable aggregation point between the OS
// input hook and the period scheduler. Event recording and the periodic
// snapshot+reset are serialized by one mutex so no event is lost or counted
// twice at a period boundary.
package activity

import (
	"math"
	"sync"

	"github.com/worklens/agent/internal/keys"
)

const (
	// Pointer jumps outside this band are sensor noise and ignored.
	minMoveDistancePx = 5.0
	maxMoveDistancePx = 1000.0

	// Only every navDownweight-th navigation key counts toward the
	// semi-productive key total.
	navDownweight = 10
)

// Metrics is an immutable snapshot of one period's accumulated input counts.
// It is what gets persisted as an activity period's metrics breakdown.
type Metrics struct {
	KeyHits            int     `json:"keyHits"`
	ProductiveKeyHits  int     `json:"productiveKeyHits"`
	NavigationKeyHits  int     `json:"navigationKeyHits"`
	UniqueKeys         int     `json:"uniqueKeys"`
	ProductiveUniques  int     `json:"productiveUniqueKeys"`
	MouseClicks        int     `json:"mouseClicks"`
	RightClicks        int     `json:"rightClicks"`
	MouseScrolls       int     `json:"mouseScrolls"`
	MouseDistancePx    float64 `json:"mouseDistancePx"`
	PenaltyApplied     bool    `json:"penaltyApplied"`
	LastActivityUnixMs int64   `json:"lastActivityUnixMs"`
}

// Accumulator collects input events for the current activity period.
type Accumulator struct {
	mu sync.Mutex

	keyHits           int
	productiveKeyHits int
	navigationKeyHits int
	uniqueKeys        map[int]struct{}
	productiveUniques map[int]struct{}

	mouseClicks  int
	rightClicks  int
	mouseScrolls int
	mouseDist    float64

	hasPointer bool
	pointerX   float64
	pointerY   float64

	penaltyApplied bool
	lastActivityMs int64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		uniqueKeys:        make(map[int]struct{}),
		productiveUniques: make(map[int]struct{}),
	}
}

// RecordKey counts one key press.
func (a *Accumulator) RecordKey(code int, tsMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivityMs = tsMs
	a.uniqueKeys[code] = struct{}{}

	switch keys.Classify(code) {
	case keys.Productive:
		a.keyHits++
		a.productiveKeyHits++
		a.productiveUniques[code] = struct{}{}
	case keys.Navigation:
		a.navigationKeyHits++
		if a.navigationKeyHits%navDownweight == 0 {
			a.keyHits++
		}
	}
}

// RecordClick counts one mouse click. right marks a secondary-button click.
func (a *Accumulator) RecordClick(right bool, tsMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivityMs = tsMs
	a.mouseClicks++
	if right {
		a.rightClicks++
	}
}

// RecordScroll counts one scroll event.
func (a *Accumulator) RecordScroll(tsMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivityMs = tsMs
	a.mouseScrolls++
}

// RecordMove accumulates pointer travel distance. Single-sample jumps outside
// the noise band are discarded but still update the reference position.
func (a *Accumulator) RecordMove(x, y float64, tsMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivityMs = tsMs

	if a.hasPointer {
		dx := x - a.pointerX
		dy := y - a.pointerY
		dist := math.Sqrt(dx*dx + dy*dy)
		if dist >= minMoveDistancePx && dist <= maxMoveDistancePx {
			a.mouseDist += dist
		}
	}
	a.hasPointer = true
	a.pointerX = x
	a.pointerY = y
}

// ApplyRetroactivePenalty halves the already-counted key totals for the
// current period. Automation detected mid-period discounts the whole period,
// not just events after detection. Applies at most once per period.
func (a *Accumulator) ApplyRetroactivePenalty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.penaltyApplied {
		return false
	}
	a.penaltyApplied = true
	a.keyHits /= 2
	a.productiveKeyHits /= 2
	return true
}

// LastActivity returns the unix-ms timestamp of the most recent input event,
// or zero if none has arrived yet.
func (a *Accumulator) LastActivity() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivityMs
}

// Snapshot returns an immutable copy of the current counters.
func (a *Accumulator) Snapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// SnapshotAndReset atomically snapshots the counters and zeroes them for the
// next period. The period boundary must use this, not Snapshot then Reset,
// so no concurrent event falls between the two.
func (a *Accumulator) SnapshotAndReset() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.snapshotLocked()
	a.resetLocked()
	return m
}

// Reset zeroes all counters. The pointer reference position survives so the
// first move of the next period does not register as a jump.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Accumulator) snapshotLocked() Metrics {
	return Metrics{
		KeyHits:            a.keyHits,
		ProductiveKeyHits:  a.productiveKeyHits,
		NavigationKeyHits:  a.navigationKeyHits,
		UniqueKeys:         len(a.uniqueKeys),
		ProductiveUniques:  len(a.productiveUniques),
		MouseClicks:        a.mouseClicks,
		RightClicks:        a.rightClicks,
		MouseScrolls:       a.mouseScrolls,
		MouseDistancePx:    a.mouseDist,
		PenaltyApplied:     a.penaltyApplied,
		LastActivityUnixMs: a.lastActivityMs,
	}
}

func (a *Accumulator) resetLocked() {
	a.keyHits = 0
	a.productiveKeyHits = 0
	a.navigationKeyHits = 0
	a.uniqueKeys = make(map[int]struct{})
	a.productiveUniques = make(map[int]struct{})
	a.mouseClicks = 0
	a.rightClicks = 0
	a.mouseScrolls = 0
	a.mouseDist = 0
	a.penaltyApplied = false
}
