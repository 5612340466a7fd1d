// Package reliability keeps per-route on-time performance and derives
// delay predictions and transfer risks from it.
package reliability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/common/storage"
	"github.com/tripcore/pkg/planning/models"
)

const (
	DefaultOnTimeRate        = 0.70
	DefaultAvgDelayMinutes   = 3.0
	DefaultWeekendOnTimeRate = 0.75
	DefaultSourceLabel       = "Default estimate"

	HighTierThreshold = 0.8
	LowTierThreshold  = 0.6

	RushHourFallbackFactor = 1.5
	WeekendDelayFactor     = 0.9

	HighRiskBufferMinutes   = 3.0
	MediumRiskBufferMinutes = 5.0
	HighRiskMissed          = 0.80
	MediumRiskMissed        = 0.40
	LowRiskMissed           = 0.10

	// DefaultTransferWalkMinutes is assumed between two transit legs with
	// no walking leg in between.
	DefaultTransferWalkMinutes = 2.0
)

// entry holds one route. Writers serialise on mu; readers load rec
// without locking and always see a complete record.
type entry struct {
	mu  sync.Mutex
	rec atomic.Pointer[models.RouteReliability]
}

type Engine struct {
	entries sync.Map // schedule route id -> *entry
	loc     *time.Location
	mapper  ids.Mapper
	store   storage.Store
	logger  logger.Logger
	metrics *metrics.Collector

	dirty  atomic.Bool
	notify chan struct{}
	now    func() time.Time
}

// New builds an engine. Rush hours and weekends are evaluated in loc;
// store may be nil when the table does not need to survive restarts.
// Route ids in either namespace are keyed by their schedule form.
func New(store storage.Store, loc *time.Location, mapper ids.Mapper, log logger.Logger, m *metrics.Collector) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		loc:     loc,
		mapper:  mapper,
		store:   store,
		logger:  log,
		metrics: m,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// DefaultReliability is the record served for routes with no data.
func DefaultReliability(routeID string) models.RouteReliability {
	return models.RouteReliability{
		RouteID:           routeID,
		OnTimeRate:        DefaultOnTimeRate,
		AvgDelayMinutes:   DefaultAvgDelayMinutes,
		WeekendOnTimeRate: DefaultWeekendOnTimeRate,
		ReliabilityTier:   models.TierMedium,
		SourceLabel:       DefaultSourceLabel,
	}
}

// TierFor maps an on-time rate onto a tier: at least 0.8 is high, below
// 0.6 is low.
func TierFor(rate float64) models.Tier {
	switch {
	case rate >= HighTierThreshold:
		return models.TierHigh
	case rate < LowTierThreshold:
		return models.TierLow
	default:
		return models.TierMedium
	}
}

func (e *Engine) entry(routeID string) *entry {
	if v, ok := e.entries.Load(routeID); ok {
		return v.(*entry)
	}
	v, _ := e.entries.LoadOrStore(routeID, &entry{})
	return v.(*entry)
}

func (e *Engine) lookup(routeID string) (models.RouteReliability, bool) {
	v, ok := e.entries.Load(e.mapper.ToScheduleID(routeID))
	if !ok {
		return models.RouteReliability{}, false
	}
	rec := v.(*entry).rec.Load()
	if rec == nil {
		return models.RouteReliability{}, false
	}
	return *rec, true
}

// GetReliability never fails: unknown routes get the default record.
func (e *Engine) GetReliability(routeID string) models.RouteReliability {
	if rec, ok := e.lookup(routeID); ok {
		return rec
	}
	return DefaultReliability(e.mapper.ToScheduleID(routeID))
}

// Has reports whether the route has a stored record.
func (e *Engine) Has(routeID string) bool {
	_, ok := e.lookup(routeID)
	return ok
}

// All returns every stored record ordered by route id.
func (e *Engine) All() []models.RouteReliability {
	var out []models.RouteReliability
	e.entries.Range(func(_, v interface{}) bool {
		if rec := v.(*entry).rec.Load(); rec != nil {
			out = append(out, *rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// IsRushHour reports whether t falls in [07:00,09:00) or [16:00,19:00).
func IsRushHour(t time.Time) bool {
	h := t.Hour()
	return (h >= 7 && h < 9) || (h >= 16 && h < 19)
}

func IsWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// PredictDelay is a pure function of the stored record and the clock.
func (e *Engine) PredictDelay(routeID string, at time.Time) models.DelayPrediction {
	rec := e.GetReliability(routeID)
	local := at.In(e.loc)

	p := models.DelayPrediction{
		RouteID:              rec.RouteID,
		ExpectedDelayMinutes: rec.AvgDelayMinutes,
		Confidence:           rec.OnTimeRate,
		IsRushHour:           IsRushHour(local),
		IsWeekend:            IsWeekend(local),
	}
	if p.IsRushHour {
		if rec.RushHourDelayMinutes != nil {
			p.ExpectedDelayMinutes = *rec.RushHourDelayMinutes
		} else {
			p.ExpectedDelayMinutes = rec.AvgDelayMinutes * RushHourFallbackFactor
		}
	}
	if p.IsWeekend {
		p.ExpectedDelayMinutes *= WeekendDelayFactor
	}
	p.ExpectedDelayMinutes = round2(p.ExpectedDelayMinutes)
	return p
}

// LegTiming is the part of a transit leg a transfer depends on. Arrival
// is the predicted arrival when known, else the scheduled one.
type LegTiming struct {
	RouteID   string
	Departure time.Time
	Arrival   time.Time
}

// CalculateTransferRisk assumes the arriving leg runs late by its route's
// average delay.
func (e *Engine) CalculateTransferRisk(first, second LegTiming, walkingMinutes float64) models.TransferRisk {
	raw := second.Departure.Sub(first.Arrival).Minutes() - walkingMinutes
	adjusted := raw - e.GetReliability(first.RouteID).AvgDelayMinutes

	risk := models.TransferRisk{
		BufferMinutes:         round2(raw),
		AdjustedBufferMinutes: round2(adjusted),
	}
	risk.RiskTier, risk.MissedProbability = riskFor(adjusted)
	return risk
}

func riskFor(adjustedBuffer float64) (models.Tier, float64) {
	switch {
	case adjustedBuffer < HighRiskBufferMinutes:
		return models.TierHigh, HighRiskMissed
	case adjustedBuffer < MediumRiskBufferMinutes:
		return models.TierMedium, MediumRiskMissed
	default:
		return models.TierLow, LowRiskMissed
	}
}

type ItineraryScore struct {
	OverallReliability models.Tier           `json:"overallReliability"`
	AvgOnTimeRate      float64               `json:"avgOnTimeRate"`
	TotalExpectedDelay float64               `json:"totalExpectedDelay"`
	TransferRisks      []models.TransferRisk `json:"transferRisks"`
}

// ScoreItinerary averages the transit legs; walking legs only contribute
// their duration to the transfer that follows them.
func (e *Engine) ScoreItinerary(legs []models.Leg) ItineraryScore {
	score := ItineraryScore{TransferRisks: []models.TransferRisk{}}

	var (
		sum     float64
		transit []int
	)
	for i, leg := range legs {
		if leg.Mode != models.ModeTransit {
			continue
		}
		transit = append(transit, i)
		sum += e.GetReliability(leg.RouteID).OnTimeRate
		score.TotalExpectedDelay += e.PredictDelay(leg.RouteID, leg.DepartureTime).ExpectedDelayMinutes
	}

	avg := DefaultOnTimeRate
	if len(transit) > 0 {
		avg = sum / float64(len(transit))
	}
	score.OverallReliability = TierFor(avg)
	score.AvgOnTimeRate = round2(avg)
	score.TotalExpectedDelay = round2(score.TotalExpectedDelay)

	for k := 1; k < len(transit); k++ {
		from, to := transit[k-1], transit[k]
		walk := DefaultTransferWalkMinutes
		for j := from + 1; j < to; j++ {
			if legs[j].Mode == models.ModeWalk {
				walk = float64(legs[j].DurationMinutes)
				break
			}
		}
		risk := e.CalculateTransferRisk(
			LegTiming{RouteID: legs[from].RouteID, Departure: legs[from].DepartureTime, Arrival: legs[from].ArrivalTime},
			LegTiming{RouteID: legs[to].RouteID, Departure: legs[to].DepartureTime, Arrival: legs[to].ArrivalTime},
			walk,
		)
		risk.FromLegIndex, risk.ToLegIndex = from, to
		score.TransferRisks = append(score.TransferRisks, risk)
	}
	return score
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
