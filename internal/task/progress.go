package task

import (
	"math"
	"sync"
	"time"
)

// progressTracker is the monotone ratchet between a builder's raw progress
// reports and the values pollers observe. Real reports and synthesized
// heartbeat values both pass through it, so the percent seen by readers
// never decreases for a given task (a real value a poller already saw can
// never be regressed by a later synthetic one, and vice versa).
type progressTracker struct {
	// writeMu serializes the ratchet-and-persist pair across writers (the
	// builder sink, possibly from several goroutines, and the heartbeat), so
	// store writes commit in ratchet order. Held before mu; the ratchet
	// alone cannot help if a stale value is persisted after a newer one.
	writeMu sync.Mutex

	mu         sync.Mutex
	message    string
	percent    float64
	lastReport time.Time
}

func newProgressTracker(now time.Time) *progressTracker {
	return &progressTracker{lastReport: now}
}

// Report applies a real progress report from the builder and returns the
// ratcheted values to persist. Percent is clamped to [0, 100] and never
// moves backwards.
func (t *progressTracker) Report(message string, percent float64, now time.Time) (string, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	percent = math.Min(100, math.Max(0, percent))
	if percent < t.percent {
		percent = t.percent
	}
	t.percent = percent
	if message != "" {
		t.message = message
	}
	t.lastReport = now
	return t.message, t.percent
}

// Synthesize produces a heartbeat progress value when the builder has been
// silent for longer than staleAfter. The synthetic value lies strictly
// between the last reported percent and the next expected milestone (the
// next multiple of ten), so it can never overtake a milestone the builder
// has yet to report. Returns ok=false when the builder reported recently
// or there is no room left to advance.
func (t *progressTracker) Synthesize(now time.Time, staleAfter time.Duration) (string, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastReport) < staleAfter {
		return "", 0, false
	}

	milestone := nextMilestone(t.percent)
	// Advance halfway toward the milestone; repeated heartbeats converge on
	// it without ever reaching it.
	synthetic := t.percent + (milestone-t.percent)/2
	if synthetic <= t.percent {
		return "", 0, false
	}

	// Ratchet: a synthesized value never regresses a real value.
	t.percent = math.Max(t.percent, synthetic)
	t.lastReport = now
	return t.message, t.percent, true
}

// Percent returns the latest ratcheted percent.
func (t *progressTracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// nextMilestone returns the next multiple of ten strictly above percent,
// capped just below completion so synthesis never fakes a finished build.
func nextMilestone(percent float64) float64 {
	m := math.Floor(percent/10)*10 + 10
	if m > 99 {
		m = 99
	}
	return m
}
