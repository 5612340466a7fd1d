// Package tracking holds the polling policy for live vehicle tracking:
// the adaptive interval and the per-route session state.
package tracking

import (
	"time"

	"github.com/tripcore/internal/gtfs-realtime/consumer"
)

const (
	shrinkFactor  = 0.75
	growFactor    = 2
	streakToAdapt = 2
)

// AdaptiveInterval decides how long to wait before the next poll. Polls
// that keep returning the same number of vehicles speed it up toward Min;
// repeated failures slow it down toward Max; an empty answer restores
// Base. It is not safe for concurrent use.
type AdaptiveInterval struct {
	Base time.Duration
	Min  time.Duration
	Max  time.Duration

	current     time.Duration
	stable      int
	errors      int
	lastCount   int
	initialised bool
}

func NewAdaptiveInterval(base, min, max time.Duration) *AdaptiveInterval {
	a := &AdaptiveInterval{Base: base, Min: min, Max: max}
	a.Reset()
	return a
}

// Reset forgets both streaks and returns to Base.
func (a *AdaptiveInterval) Reset() {
	if a.Min > a.Base {
		a.Min = a.Base
	}
	if a.Max < a.Base {
		a.Max = a.Base
	}
	a.current = a.Base
	a.stable = 0
	a.errors = 0
	a.lastCount = -1
	a.initialised = true
}

// Current is the delay returned by the last Observe.
func (a *AdaptiveInterval) Current() time.Duration {
	if !a.initialised {
		a.Reset()
	}
	return a.current
}

// Observe records the result of one poll and returns the next delay.
func (a *AdaptiveInterval) Observe(outcome consumer.Outcome, vehicles int) time.Duration {
	if !a.initialised {
		a.Reset()
	}

	switch {
	case outcome.IsError():
		a.stable = 0
		a.lastCount = -1
		a.errors++
		if a.errors >= streakToAdapt {
			a.current *= growFactor
			if a.current > a.Max {
				a.current = a.Max
			}
		}

	case vehicles == 0:
		a.Reset()

	default:
		a.errors = 0
		if vehicles == a.lastCount {
			a.stable++
		} else {
			a.stable = 1
			a.lastCount = vehicles
		}
		if a.stable >= streakToAdapt {
			a.current = time.Duration(float64(a.current) * shrinkFactor)
			if a.current < a.Min {
				a.current = a.Min
			}
		}
	}
	return a.current
}
