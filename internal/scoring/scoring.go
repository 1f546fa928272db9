// Package scoring converts accumulated input metrics into 0–100 activity
// scores and provides the aggregation helpers used to combine period scores
// into screenshot-level and hour-level figures.
package scoring

import (
	"math"
	"sort"

	"github.com/worklens/agent/internal/activity"
)

// Per-minute caps for the command-hours sub-scores.
const (
	capProductiveKeysPerMin = 40.0
	capUniqueKeysPerMin     = 12.0
	capClicksPerMin         = 20.0
	capScrollsPerMin        = 10.0
	capMouseDistPerMin      = 3000.0
)

// Sub-score weights. They sum to 1.0.
const (
	weightKeyRate      = 0.25
	weightKeyDiversity = 0.45
	weightClicks       = 0.10
	weightScrolls      = 0.10
	weightMouseDist    = 0.10
)

// maxReadingBonus caps the bonus for click/scroll/movement activity above the
// caps. It models reading and research work that keyboard metrics under-count,
// and only applies when both keyboard sub-scores are weak.
const maxReadingBonus = 2.0

// StorageBoost is the factor every score is multiplied by at storage time.
// Carried over from the original scoring pipeline; it is unclear whether this
// is an intentional leniency policy or compensation for under-scoring, so it
// lives here as a single auditable constant rather than inside the formula.
const StorageBoost = 1.15

// ApplyBoost applies a storage-time boost factor to a score, clamped to 100.
func ApplyBoost(score int, factor float64) int {
	boosted := int(math.Round(float64(score) * factor))
	if boosted > 100 {
		return 100
	}
	return boosted
}

// CommandScore computes the command-hours activity score in [0,100] from one
// period's metrics. elapsedMinutes is the wall-clock length of the period;
// suspicion is the bot detector's current score.
func CommandScore(m activity.Metrics, elapsedMinutes float64, activeSeconds int, suspicion float64) int {
	minutes := elapsedMinutes
	if minutes <= 0 {
		minutes = float64(activeSeconds) / 60.0
	}
	if minutes <= 0 {
		return 0
	}

	keyRate := subScore(float64(m.ProductiveKeyHits)/minutes, capProductiveKeysPerMin)
	diversity := subScore(float64(m.ProductiveUniques)/minutes, capUniqueKeysPerMin)
	clicks := subScore(float64(m.MouseClicks)/minutes, capClicksPerMin)
	scrolls := subScore(float64(m.MouseScrolls)/minutes, capScrollsPerMin)
	dist := subScore(m.MouseDistancePx/minutes, capMouseDistPerMin)

	score := weightKeyRate*keyRate +
		weightKeyDiversity*diversity +
		weightClicks*clicks +
		weightScrolls*scrolls +
		weightMouseDist*dist
	if score > 10 {
		score = 10
	}

	// Reading bonus: mouse-heavy activity above the caps, rewarded only
	// when keyboard evidence is weak on both axes.
	if keyRate < 5 && diversity < 5 {
		score += readingBonus(m, minutes)
	}

	// Bot penalty.
	penalty := 1 - suspicion/10
	if penalty < 0 {
		penalty = 0
	}
	score *= penalty

	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return int(math.Round(score * 10))
}

// subScore maps a per-minute rate onto [0,10], saturating at the cap.
func subScore(perMin, cap float64) float64 {
	if perMin >= cap {
		return 10
	}
	if perMin <= 0 {
		return 0
	}
	return perMin / cap * 10
}

// readingBonus rewards click/scroll/movement volume above the per-minute
// caps, up to maxReadingBonus. Each input channel contributes its overflow
// ratio, capped at one cap-width of overflow.
func readingBonus(m activity.Metrics, minutes float64) float64 {
	over := func(perMin, cap float64) float64 {
		excess := perMin/cap - 1
		if excess <= 0 {
			return 0
		}
		if excess > 1 {
			excess = 1
		}
		return excess
	}

	bonus := over(float64(m.MouseClicks)/minutes, capClicksPerMin) +
		over(float64(m.MouseScrolls)/minutes, capScrollsPerMin) +
		over(m.MouseDistancePx/minutes, capMouseDistPerMin)
	if bonus > maxReadingBonus {
		bonus = maxReadingBonus
	}
	return bonus
}

// EditorCounts is the payload reported by the editor extension in
// client-hours mode. Missing fields default to zero.
type EditorCounts struct {
	CodeCommitsCount int `json:"codeCommitsCount"`
	FilesSavedCount  int `json:"filesSavedCount"`
	CaretMovedCount  int `json:"caretMovedCount"`
	NetLinesCount    int `json:"netLinesCount"`
}

// ClientScore computes the client-hours score from editor-reported counts.
func ClientScore(c EditorCounts) int {
	lines := float64(c.NetLinesCount) * 2
	if lines > 50 {
		lines = 50
	}
	score := float64(c.CodeCommitsCount)*10 +
		float64(c.FilesSavedCount)*5 +
		float64(c.CaretMovedCount)*0.1 +
		lines
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return int(math.Round(score))
}

// AggregateThresholds controls how many scores DiscardWorstAverage keeps.
type AggregateThresholds struct {
	High   int
	Medium int
}

// Aggregation presets: screenshots combine up to a window's periods, hourly
// reporting combines up to an hour of captures.
var (
	ScreenshotAggregate = AggregateThresholds{High: 8, Medium: 4}
	HourlyAggregate     = AggregateThresholds{High: 48, Medium: 24}
)

// DiscardWorstAverage averages scores after discarding the worst ones: with
// more than High scores only the best High count; with more than Medium the
// single worst is dropped; otherwise all scores count. Empty input is 0.
// The input slice is not mutated.
func DiscardWorstAverage(scores []int, t AggregateThresholds) float64 {
	if len(scores) == 0 {
		return 0
	}

	sorted := make([]int, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	keep := sorted
	switch {
	case len(sorted) > t.High:
		keep = sorted[:t.High]
	case len(sorted) > t.Medium:
		keep = sorted[:len(sorted)-1]
	}

	return mean(keep)
}

// Top80Average averages the best ceil(0.8×n) scores. Empty input is 0.
// The input slice is not mutated.
func Top80Average(scores []int) float64 {
	if len(scores) == 0 {
		return 0
	}

	sorted := make([]int, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	keep := int(math.Ceil(0.8 * float64(len(sorted))))
	return mean(sorted[:keep])
}

func mean(scores []int) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum int
	for _, s := range scores {
		sum += s
	}
	return float64(sum) / float64(len(scores))
}

// Validity rule thresholds on the 0–100 scale.
const (
	validScore       = 40
	marginalScore    = 25
	minHourlyCapture = 6
)

// NoNeighbor marks an absent neighbor score in CaptureValid.
const NoNeighbor = -1

// CaptureValid applies the three-tier validity rule to one capture's
// aggregated score. prev and next are the neighboring captures' scores in
// capture order (NoNeighbor when absent); hourScores are all capture scores
// in the enclosing clock hour.
//
// A capture is valid work time when its score is at least 40, or when it
// scores in [25,40) and either neighbor reaches 40, or when it scores in
// [25,40) and its hour has at least 6 captures whose top-80% average reaches
// 40. Below 25 is never valid.
func CaptureValid(score, prev, next int, hourScores []int) bool {
	if score >= validScore {
		return true
	}
	if score < marginalScore {
		return false
	}

	if prev != NoNeighbor && prev >= validScore {
		return true
	}
	if next != NoNeighbor && next >= validScore {
		return true
	}

	if len(hourScores) >= minHourlyCapture && Top80Average(hourScores) >= validScore {
		return true
	}
	return false
}
