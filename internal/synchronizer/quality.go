package synchronizer

import (
	"fmt"
	"math"
	"time"
)

// Quality is a drift tier.
type Quality string

const (
	Perfect    Quality = "perfect"
	Good       Quality = "good"
	Acceptable Quality = "acceptable"
	Poor       Quality = "poor"
	Failed     Quality = "failed"
)

// Thresholds are the exclusive upper bounds of the first four tiers.
type Thresholds struct {
	Perfect    time.Duration
	Good       time.Duration
	Acceptable time.Duration
	Poor       time.Duration
}

// DefaultThresholds are 50/100/200/500ms.
var DefaultThresholds = Thresholds{
	Perfect:    50 * time.Millisecond,
	Good:       100 * time.Millisecond,
	Acceptable: 200 * time.Millisecond,
	Poor:       500 * time.Millisecond,
}

// Validate checks that the tiers are strictly increasing.
func (t Thresholds) Validate() error {
	if t.Perfect <= 0 || t.Good <= t.Perfect || t.Acceptable <= t.Good || t.Poor <= t.Acceptable {
		return fmt.Errorf("sync thresholds must be positive and increasing, got %s/%s/%s/%s",
			t.Perfect, t.Good, t.Acceptable, t.Poor)
	}
	return nil
}

// Classify returns the tier for a drift in milliseconds. Each bound is
// exclusive: exactly 100ms is Acceptable with the default thresholds.
func (t Thresholds) Classify(driftMs float64) Quality {
	switch {
	case driftMs < ms(t.Perfect):
		return Perfect
	case driftMs < ms(t.Good):
		return Good
	case driftMs < ms(t.Acceptable):
		return Acceptable
	case driftMs < ms(t.Poor):
		return Poor
	default:
		return Failed
	}
}

// NeedsCorrection reports whether the drift is past the Acceptable tier.
func (t Thresholds) NeedsCorrection(driftMs float64) bool {
	return driftMs >= ms(t.Acceptable)
}

// IsSynchronized reports whether a sample is better than Failed.
func (t Thresholds) IsSynchronized(s Sample) bool {
	return s.DriftMs < ms(t.Poor)
}

// QualityPercent maps a tier to a display score.
func QualityPercent(q Quality) int {
	switch q {
	case Perfect:
		return 100
	case Good:
		return 90
	case Acceptable:
		return 75
	case Poor:
		return 50
	default:
		return 25
	}
}

// Describe renders a sample as a status line.
func Describe(s Sample) string {
	drift := fmt.Sprintf("%.1fms", s.DriftMs)
	switch s.Quality {
	case Perfect:
		return "Perfect synchronization (" + drift + " variance)"
	case Good:
		return "Good synchronization (" + drift + " variance)"
	case Acceptable:
		return "Acceptable synchronization (" + drift + " variance)"
	case Poor:
		return "Poor synchronization (" + drift + " variance)"
	default:
		return "Synchronization failed (" + drift + " variance)"
	}
}

// FormatDrift renders a drift in the most readable unit.
func FormatDrift(driftMs float64) string {
	switch {
	case driftMs < 1:
		return fmt.Sprintf("%dμs", int(math.Round(driftMs*1000)))
	case driftMs < 1000:
		return fmt.Sprintf("%.1fms", driftMs)
	default:
		return fmt.Sprintf("%.2fs", driftMs/1000)
	}
}

// OptimalRate is the text rate that makes textLen characters span duration
// seconds, clamped to [lo, hi]. Non-positive durations yield fallback.
func OptimalRate(textLen int, duration, lo, hi, fallback float64) float64 {
	if duration <= 0 || textLen <= 0 {
		return fallback
	}
	return math.Min(math.Max(float64(textLen)/duration, lo), hi)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
