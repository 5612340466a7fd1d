package reliability

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tripcore/pkg/planning/models"
)

const (
	// OnTimeToleranceMinutes is how late or early an arrival may be and
	// still count as on time.
	OnTimeToleranceMinutes = 5.0

	// PriorWeight is how many observations an existing estimate is worth
	// when live observations start refining it.
	PriorWeight = 10

	ObservedSourceLabel = "Observed"
)

var ErrInvalidUpdate = errors.New("invalid reliability update")

// Update is a partial record: nil fields keep their stored value. A
// non-empty ReliabilityTier pins the tier; an empty one removes the pin
// and the tier follows the on-time rate again.
type Update struct {
	OnTimeRate           *float64     `json:"onTimeRate,omitempty"`
	AvgDelayMinutes      *float64     `json:"avgDelayMinutes,omitempty"`
	RushHourDelayMinutes *float64     `json:"rushHourDelayMinutes,omitempty"`
	WeekendOnTimeRate    *float64     `json:"weekendOnTimeRate,omitempty"`
	ReliabilityTier      *models.Tier `json:"reliabilityTier,omitempty"`
	SourceLabel          *string      `json:"sourceLabel,omitempty"`
	SampleCount          *int         `json:"sampleCount,omitempty"`
}

func (u Update) validate() error {
	for name, rate := range map[string]*float64{"onTimeRate": u.OnTimeRate, "weekendOnTimeRate": u.WeekendOnTimeRate} {
		if rate != nil && (*rate < 0 || *rate > 1 || math.IsNaN(*rate)) {
			return fmt.Errorf("%w: %s must be between 0 and 1", ErrInvalidUpdate, name)
		}
	}
	if u.ReliabilityTier != nil {
		switch *u.ReliabilityTier {
		case models.TierHigh, models.TierMedium, models.TierLow, "":
		default:
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidUpdate, *u.ReliabilityTier)
		}
	}
	if u.SampleCount != nil && *u.SampleCount < 0 {
		return fmt.Errorf("%w: sampleCount must not be negative", ErrInvalidUpdate)
	}
	return nil
}

// UpsertReliability merges u into the stored record (or the default one),
// stamps UpdatedAt and schedules a save. An explicit tier stays pinned
// until an update carries an empty tier.
func (e *Engine) UpsertReliability(routeID string, u Update) (models.RouteReliability, error) {
	if routeID == "" {
		return models.RouteReliability{}, fmt.Errorf("%w: route id is required", ErrInvalidUpdate)
	}
	if err := u.validate(); err != nil {
		return models.RouteReliability{}, err
	}

	rec := e.modify(routeID, func(rec *models.RouteReliability) {
		if u.OnTimeRate != nil {
			rec.OnTimeRate = *u.OnTimeRate
		}
		if u.AvgDelayMinutes != nil {
			rec.AvgDelayMinutes = *u.AvgDelayMinutes
		}
		if u.RushHourDelayMinutes != nil {
			v := *u.RushHourDelayMinutes
			rec.RushHourDelayMinutes = &v
		}
		if u.WeekendOnTimeRate != nil {
			rec.WeekendOnTimeRate = *u.WeekendOnTimeRate
		}
		if u.SourceLabel != nil {
			rec.SourceLabel = *u.SourceLabel
		}
		if u.SampleCount != nil {
			rec.SampleCount = *u.SampleCount
		}
		if u.ReliabilityTier != nil {
			rec.ReliabilityTier = *u.ReliabilityTier
			rec.TierOverridden = *u.ReliabilityTier != ""
		}
	})

	e.logger.Debug("Updated route reliability", "route_id", routeID, "on_time_rate", rec.OnTimeRate, "tier", rec.ReliabilityTier)
	return rec, nil
}

// RecordObservation folds one observed arrival delay into the route's
// running averages.
func (e *Engine) RecordObservation(routeID string, delayMinutes float64, at time.Time) models.RouteReliability {
	local := at.In(e.loc)
	rush, weekend := IsRushHour(local), IsWeekend(local)
	onTime := 0.0
	if math.Abs(delayMinutes) <= OnTimeToleranceMinutes {
		onTime = 1
	}

	rec := e.modify(routeID, func(rec *models.RouteReliability) {
		w := float64(rec.SampleCount + PriorWeight)
		rec.OnTimeRate = (rec.OnTimeRate*w + onTime) / (w + 1)
		rec.AvgDelayMinutes = (rec.AvgDelayMinutes*w + delayMinutes) / (w + 1)
		rec.SampleCount++

		if rush {
			if rec.RushHourDelayMinutes == nil {
				v := delayMinutes
				rec.RushHourDelayMinutes = &v
			} else {
				n := float64(rec.RushSampleCount + PriorWeight)
				v := (*rec.RushHourDelayMinutes*n + delayMinutes) / (n + 1)
				rec.RushHourDelayMinutes = &v
			}
			rec.RushSampleCount++
		}
		if weekend {
			n := float64(rec.WeekendSampleCount + PriorWeight)
			rec.WeekendOnTimeRate = (rec.WeekendOnTimeRate*n + onTime) / (n + 1)
			rec.WeekendSampleCount++
		}
		if rec.SourceLabel == DefaultSourceLabel || rec.SourceLabel == "" {
			rec.SourceLabel = ObservedSourceLabel
		}
	})

	e.metrics.Observation()
	return rec
}

// modify applies fn to a private copy of the route's record and publishes
// it. Writers to the same route are serialised; other routes are not
// touched.
func (e *Engine) modify(routeID string, fn func(*models.RouteReliability)) models.RouteReliability {
	routeID = e.mapper.ToScheduleID(routeID)
	ent := e.entry(routeID)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	var rec models.RouteReliability
	if cur := ent.rec.Load(); cur != nil {
		rec = *cur
		if cur.RushHourDelayMinutes != nil {
			v := *cur.RushHourDelayMinutes
			rec.RushHourDelayMinutes = &v
		}
	} else {
		rec = DefaultReliability(routeID)
	}

	fn(&rec)
	rec.RouteID = routeID
	if !rec.TierOverridden {
		rec.ReliabilityTier = TierFor(rec.OnTimeRate)
	}
	rec.UpdatedAt = e.now()

	ent.rec.Store(&rec)
	e.markDirty()
	return rec
}

// install replaces records wholesale, as loaded from a seed or snapshot.
func (e *Engine) install(records []models.RouteReliability) int {
	n := 0
	for _, r := range records {
		if r.RouteID == "" {
			continue
		}
		rec := r
		rec.RouteID = e.mapper.ToScheduleID(rec.RouteID)
		if rec.ReliabilityTier == "" || !rec.TierOverridden {
			rec.ReliabilityTier = TierFor(rec.OnTimeRate)
		}
		ent := e.entry(rec.RouteID)
		ent.mu.Lock()
		ent.rec.Store(&rec)
		ent.mu.Unlock()
		n++
	}
	return n
}

func (e *Engine) markDirty() {
	e.dirty.Store(true)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}
