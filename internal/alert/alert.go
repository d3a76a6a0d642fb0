// Package alert derives a stable alert state from noisy, possibly
// stale poll results. The transition function is pure — state in,
// result and wall-clock time in, state out — so debounce ordering and
// the force/autoclear tie-break are testable without real time.
package alert

import (
	"time"

	"github.com/nugget/rayhunter-bridge/internal/rayhunter"
)

// Rules holds the debounce configuration. Zero durations disable the
// corresponding window.
type Rules struct {
	// OnNew alerts on strict increases of the warning count instead of
	// tracking warning_count > 0 directly.
	OnNew bool

	// ForceAlert keeps the alert active for this long after any
	// change, regardless of the current warning count.
	ForceAlert time.Duration

	// Autoclear clears the alert after this long with no further
	// change. A live ForceAlert window always wins over Autoclear.
	Autoclear time.Duration
}

// State is the bridge's entire in-memory history. It is created once
// with zero values at process start and replaced exactly once per
// tick; a restart loses it by design (the restart surfaces as an
// availability transition, not data loss).
type State struct {
	WarningCount        int
	LastReportID        string
	AlertActive         bool
	LastChange          time.Time // when the warning count last changed (or the alert was synthetically flipped)
	LastSuccess         time.Time
	ConsecutiveFailures int
}

// Advance computes the next state from one poll result. Failures only
// bump the failure counter — warning count, report id, and the alert
// flag carry the last known values so a flapping tunnel never clears
// an active alert. The time-based windows still apply on failure
// ticks: an alert may autoclear while the device is unreachable.
func (r Rules) Advance(s State, res rayhunter.PollResult, now time.Time) State {
	if !res.OK {
		s.ConsecutiveFailures++
		return r.applyWindows(s, now)
	}

	first := s.LastSuccess.IsZero()
	s.ConsecutiveFailures = 0
	s.LastSuccess = now

	switch {
	case first:
		// Seed directly from the observed count; there is no previous
		// value to compare against, so no change-based transition can
		// fire. An active seed starts the change clock for the
		// force/autoclear windows.
		s.AlertActive = res.WarningCount > 0
		if s.AlertActive {
			s.LastChange = now
		}
	case r.OnNew:
		if res.WarningCount > s.WarningCount {
			s.AlertActive = true
			s.LastChange = now
		}
	default:
		if res.WarningCount != s.WarningCount {
			s.LastChange = now
		}
		s.AlertActive = res.WarningCount > 0
	}

	s.WarningCount = res.WarningCount
	s.LastReportID = res.ReportID

	return r.applyWindows(s, now)
}

// Trigger synthetically activates the alert, as if a change had been
// observed now. Used by the stdin test hook; the autoclear window
// applies to synthetic alerts the same as real ones.
func (r Rules) Trigger(s State, now time.Time) State {
	s.AlertActive = true
	s.LastChange = now
	return s
}

// applyWindows overlays the time-based overrides. Autoclear is
// evaluated first and force second, so a live force window always
// wins when the two overlap.
func (r Rules) applyWindows(s State, now time.Time) State {
	if s.LastChange.IsZero() {
		return s
	}

	since := now.Sub(s.LastChange)
	if r.Autoclear > 0 && since > r.Autoclear {
		s.AlertActive = false
	}
	if r.ForceAlert > 0 && since <= r.ForceAlert {
		s.AlertActive = true
	}
	return s
}
