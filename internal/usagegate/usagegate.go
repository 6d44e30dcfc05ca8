// Package usagegate implements the generic two-window quota evaluator
// described in spec §4.3: every engine-specific usage payload is normalized
// into a (short, long) pair of model.UsageWindow values, then this package
// applies one ramp rule uniformly.
package usagegate

import (
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
)

// Decision is the outcome of evaluating an engine's usage windows.
type Decision struct {
	Allowed        bool
	Reason         string
	Long           *model.UsageWindow
	MinutesToReset float64
}

// Windows groups the normalized short/long windows for one engine. Either
// field may be nil if the backend didn't report that window kind.
type Windows struct {
	Short *model.UsageWindow
	Long  *model.UsageWindow
}

// Classify sorts a set of raw windows into (short, long). A window with an
// explicit Kind keeps it; a window without one is classified long if its
// distance to reset is at least 24h, short otherwise, per spec §4.3. When two
// windows land in the same slot, the later one wins.
func Classify(now time.Time, windows []model.UsageWindow) Windows {
	var out Windows
	for _, w := range windows {
		w := w
		if w.Kind == model.UsageWindowShort {
			out.Short = &w
			continue
		}
		if w.Kind == model.UsageWindowLong {
			out.Long = &w
			continue
		}
		if w.ResetAt.Sub(now) >= 24*time.Hour {
			out.Long = &w
		} else {
			out.Short = &w
		}
	}
	return out
}

// Evaluate applies the decision rule from spec §4.3 steps 1-6.
func Evaluate(now time.Time, w Windows, gate config.UsageGateConfig) Decision {
	if w.Long == nil {
		return Decision{Allowed: false, Reason: "no long usage window reported"}
	}

	minutesToReset := w.Long.ResetAt.Sub(now).Seconds() / 60
	if minutesToReset < 0 {
		minutesToReset = 0
	}

	if minutesToReset > gate.StartMinutes {
		return Decision{
			Allowed:        false,
			Reason:         "too early in the period",
			Long:           w.Long,
			MinutesToReset: minutesToReset,
		}
	}

	required := requiredRemaining(minutesToReset, gate)
	if w.Long.PercentLeft < required {
		return Decision{
			Allowed:        false,
			Reason:         "long window below required remaining percent",
			Long:           w.Long,
			MinutesToReset: minutesToReset,
		}
	}

	if w.Short != nil && w.Short.PercentLeft < gate.ShortFloor {
		return Decision{
			Allowed:        false,
			Reason:         "short window below floor",
			Long:           w.Long,
			MinutesToReset: minutesToReset,
		}
	}

	return Decision{Allowed: true, Long: w.Long, MinutesToReset: minutesToReset}
}

// requiredRemaining computes the linear ramp from startPct (far from reset)
// to endPct (near reset), per spec §4.3 step 4.
func requiredRemaining(minutesToReset float64, gate config.UsageGateConfig) float64 {
	denom := gate.StartMinutes
	if denom < 1 {
		denom = 1
	}
	frac := minutesToReset / denom
	frac = clamp(frac, 0, 1)
	return gate.EndPct + (gate.StartPct-gate.EndPct)*frac
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampPercent clamps a raw usedPercent-derived percentLeft value into
// [0, 100], per spec §4.3 window normalization step.
func ClampPercent(v float64) float64 {
	return clamp(v, 0, 100)
}
