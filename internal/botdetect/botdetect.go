// Package botdetect flags input streams that look like scripted automation.
//
// The detector keeps a rolling 10-second timestamp window per input stream
// (keys and clicks) and scores three patterns: sustained event rates beyond
// human speed, mechanically regular inter-event intervals, and a single key
// code repeated far longer than any human would. Detection is advisory: it
// never blocks accumulation, it only discounts it through the suspicion score.
package botdetect

import (
	"sync"
)

const (
	// windowMs is the rolling window length per stream.
	windowMs = 10_000

	// maxEventsPerSecond is the sustained-rate threshold.
	maxEventsPerSecond = 15.0

	// regularity thresholds: intervals this uniform and this fast are mechanical.
	regularityMaxVariance = 10.0  // ms^2
	regularityMaxMean     = 200.0 // ms
	regularityMinSamples  = 10

	// maxConsecutiveRepeats is how often one key code may repeat back to back.
	maxConsecutiveRepeats = 50

	// decayPerEvent is subtracted from the suspicion score on every event.
	decayPerEvent = 0.1

	// PenaltyThreshold is the suspicion score above which the current
	// period's already-counted key totals must be halved.
	PenaltyThreshold = 5.0
)

type stream struct {
	times    []int64
	lastCode int
	repeats  int
}

// prune drops timestamps older than the rolling window and appends now.
func (st *stream) prune(nowMs int64) {
	cutoff := nowMs - windowMs
	i := 0
	for i < len(st.times) && st.times[i] < cutoff {
		i++
	}
	st.times = st.times[i:]
}

// Detector scores automation-like input. Safe for concurrent use, though in
// practice it is owned by the single accumulator goroutine.
type Detector struct {
	mu        sync.Mutex
	keys      stream
	clicks    stream
	suspicion float64
}

// New creates a Detector with a zero suspicion score.
func New() *Detector {
	return &Detector{keys: stream{lastCode: -1}}
}

// RecordKey feeds one key event and returns the suspicion delta it caused.
func (d *Detector) RecordKey(code int, tsMs int64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	flagged := 0

	if code == d.keys.lastCode {
		d.keys.repeats++
	} else {
		d.keys.lastCode = code
		d.keys.repeats = 1
	}
	if d.keys.repeats > maxConsecutiveRepeats {
		flagged++
	}

	flagged += d.observe(&d.keys, tsMs)
	return d.bump(flagged)
}

// RecordClick feeds one mouse click event and returns the suspicion delta.
func (d *Detector) RecordClick(tsMs int64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	flagged := d.observe(&d.clicks, tsMs)
	return d.bump(flagged)
}

// observe updates a stream's rolling window and returns how many rate or
// regularity patterns the new event triggered.
func (d *Detector) observe(st *stream, tsMs int64) int {
	st.prune(tsMs)
	st.times = append(st.times, tsMs)

	flagged := 0
	if sustainedRate(st.times) > maxEventsPerSecond {
		flagged++
	}
	if mechanicallyRegular(st.times) {
		flagged++
	}
	return flagged
}

// bump applies the per-event decay plus any flagged increments, returning the
// net delta. Caller must hold the mutex.
func (d *Detector) bump(flagged int) float64 {
	before := d.suspicion
	d.suspicion -= decayPerEvent
	if d.suspicion < 0 {
		d.suspicion = 0
	}
	d.suspicion += float64(flagged)
	return d.suspicion - before
}

// Suspicion returns the current decaying suspicion score.
func (d *Detector) Suspicion() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspicion
}

// Suspicious reports whether the score has crossed the penalty threshold.
func (d *Detector) Suspicious() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspicion > PenaltyThreshold
}

// sustainedRate returns events per second over the window span. A span under
// one second never counts as sustained.
func sustainedRate(times []int64) float64 {
	if len(times) < 2 {
		return 0
	}
	span := times[len(times)-1] - times[0]
	if span < 1000 {
		return 0
	}
	return float64(len(times)) / (float64(span) / 1000.0)
}

// mechanicallyRegular reports whether inter-event intervals are both fast and
// uniform enough to look scripted.
func mechanicallyRegular(times []int64) bool {
	if len(times) < regularityMinSamples+1 {
		return false
	}

	intervals := make([]float64, 0, len(times)-1)
	var sum float64
	for i := 1; i < len(times); i++ {
		iv := float64(times[i] - times[i-1])
		intervals = append(intervals, iv)
		sum += iv
	}
	mean := sum / float64(len(intervals))
	if mean >= regularityMaxMean {
		return false
	}

	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	return variance < regularityMaxVariance
}
