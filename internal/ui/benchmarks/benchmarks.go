// Package benchmarks provides timing estimates for plan stages.
package benchmarks

import (
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
)

// DefaultTimings are median stage durations against the Hetzner Cloud API.
var DefaultTimings = map[deployment.StageKind]time.Duration{
	deployment.StageAllocateResource:  20 * time.Second,
	deployment.StageCreateCompute:     45 * time.Second,
	deployment.StageConfigureNetwork:  10 * time.Second,
	deployment.StageApplyHardening:    30 * time.Second,
	deployment.StageRegisterInventory: 2 * time.Second,
	deployment.StageWipeVolume:        25 * time.Second,
}

const (
	minScale = 0.6
	maxScale = 3.0
)

// EstimateRemaining calculates the time left for the stages that have not
// finished yet, stretched by the speed observed so far.
func EstimateRemaining(stages []deployment.StageExecution, now time.Time) time.Duration {
	return EstimateRemainingWithScale(stages, now, PerformanceScale(stages, now))
}

// EstimateRemainingWithScale calculates the ETA with a given performance scale.
func EstimateRemainingWithScale(stages []deployment.StageExecution, now time.Time, scale float64) time.Duration {
	var remaining time.Duration
	for _, s := range stages {
		expected := time.Duration(float64(DefaultTimings[s.Kind]) * scale)
		switch s.Status {
		case deployment.StagePending:
			remaining += expected
		case deployment.StageRunning:
			if elapsed := now.Sub(s.StartedAt); !s.StartedAt.IsZero() && elapsed < expected {
				remaining += expected - elapsed
			}
		}
	}
	return remaining
}

// PerformanceScale derives a speed multiplier from observed-vs-expected durations.
// Example: expected 30s, observed 45s => scale=1.5.
func PerformanceScale(stages []deployment.StageExecution, now time.Time) float64 {
	var expectedTotal, actualTotal time.Duration

	for _, s := range stages {
		expected, ok := DefaultTimings[s.Kind]
		if !ok || s.StartedAt.IsZero() {
			continue
		}
		switch {
		case s.Status == deployment.StageSucceeded && !s.FinishedAt.IsZero():
			expectedTotal += expected
			actualTotal += s.FinishedAt.Sub(s.StartedAt)
		case s.Status == deployment.StageRunning:
			// An overrunning stage is folded in immediately so the ETA adapts quickly.
			if elapsed := now.Sub(s.StartedAt); elapsed > expected {
				expectedTotal += expected
				actualTotal += elapsed
			}
		}
	}

	if expectedTotal == 0 || actualTotal == 0 {
		return 1.0
	}
	scale := float64(actualTotal) / float64(expectedTotal)
	return min(max(scale, minScale), maxScale)
}

// TotalEstimate returns the expected duration of all given stages.
func TotalEstimate(stages []deployment.StageExecution) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += DefaultTimings[s.Kind]
	}
	return total
}
