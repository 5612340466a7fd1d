package models

import "time"

type Mode string

const (
	ModeWalk    Mode = "WALK"
	ModeTransit Mode = "TRANSIT"
)

// Place is a resolved point on a leg boundary.
type Place struct {
	Name   string  `json:"name"`
	StopID string  `json:"stopId,omitempty"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

type Leg struct {
	Mode            Mode      `json:"mode"`
	From            Place     `json:"from"`
	To              Place     `json:"to"`
	RouteID         string    `json:"routeId,omitempty"`
	RouteShortName  string    `json:"routeShortName,omitempty"`
	TripID          string    `json:"tripId,omitempty"`
	DepartureTime   time.Time `json:"departureTime"`
	ArrivalTime     time.Time `json:"arrivalTime"`
	DurationMinutes int       `json:"durationMinutes"`
	DistanceMeters  float64   `json:"distanceMeters"`
	IsRealtime      bool      `json:"isRealtime,omitempty"`
}

// Itinerary is composed per planning request and never persisted.
type Itinerary struct {
	ID                   string         `json:"id"`
	Legs                 []Leg          `json:"legs"`
	DurationMinutes      int            `json:"durationMinutes"`
	WalkMinutes          int            `json:"walkMinutes"`
	TransitMinutes       int            `json:"transitMinutes"`
	WaitMinutes          int            `json:"waitMinutes"`
	WalkMeters           float64        `json:"walkMeters"`
	Transfers            int            `json:"transfers"`
	Reliability          Tier           `json:"reliability"`
	AvgOnTimeRate        float64        `json:"avgOnTimeRate"`
	ExpectedDelayMinutes float64        `json:"expectedDelayMinutes"`
	TransferRisks        []TransferRisk `json:"transferRisks"`
	Recommended          bool           `json:"recommended"`
	DepartureTime        time.Time      `json:"departureTime"`
	ArrivalTime          time.Time      `json:"arrivalTime"`
}

// TransitLegs returns the indexes of the transit legs in order.
func (it Itinerary) TransitLegs() []int {
	var idx []int
	for i, l := range it.Legs {
		if l.Mode == ModeTransit {
			idx = append(idx, i)
		}
	}
	return idx
}
