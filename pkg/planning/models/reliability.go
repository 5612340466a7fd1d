package models

import "time"

// Tier is a coarse reliability or risk level.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Rank orders tiers so that higher is better (high > medium > low).
func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// RouteReliability is the historical on-time performance of one route.
// Values are immutable once published; updates replace the whole record.
type RouteReliability struct {
	RouteID              string    `json:"routeId" yaml:"route_id"`
	OnTimeRate           float64   `json:"onTimeRate" yaml:"on_time_rate"`
	AvgDelayMinutes      float64   `json:"avgDelayMinutes" yaml:"avg_delay_minutes"`
	RushHourDelayMinutes *float64  `json:"rushHourDelayMinutes,omitempty" yaml:"rush_hour_delay_minutes,omitempty"`
	WeekendOnTimeRate    float64   `json:"weekendOnTimeRate" yaml:"weekend_on_time_rate"`
	ReliabilityTier      Tier      `json:"reliabilityTier" yaml:"reliability_tier,omitempty"`
	TierOverridden       bool      `json:"tierOverridden,omitempty" yaml:"tier_overridden,omitempty"`
	SourceLabel          string    `json:"sourceLabel" yaml:"source_label"`
	SampleCount          int       `json:"sampleCount" yaml:"sample_count,omitempty"`
	RushSampleCount      int       `json:"rushSampleCount,omitempty" yaml:"rush_sample_count,omitempty"`
	WeekendSampleCount   int       `json:"weekendSampleCount,omitempty" yaml:"weekend_sample_count,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt" yaml:"updated_at,omitempty"`
}

// DelayPrediction is the expected delay of a route at a given moment.
type DelayPrediction struct {
	RouteID              string  `json:"routeId"`
	ExpectedDelayMinutes float64 `json:"expectedDelayMinutes"`
	Confidence           float64 `json:"confidence"`
	IsRushHour           bool    `json:"isRushHour"`
	IsWeekend            bool    `json:"isWeekend"`
}

type TransferRisk struct {
	FromLegIndex          int     `json:"fromLegIndex"`
	ToLegIndex            int     `json:"toLegIndex"`
	BufferMinutes         float64 `json:"bufferMinutes"`
	AdjustedBufferMinutes float64 `json:"adjustedBufferMinutes"`
	RiskTier              Tier    `json:"riskTier"`
	MissedProbability     float64 `json:"missedProbability"`
}
