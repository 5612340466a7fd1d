package models

import "time"

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point carries a real fix; the feed reports
// missing positions as 0,0.
func (p *LatLon) Valid() bool {
	return p != nil && (p.Lat != 0 || p.Lon != 0)
}

// Arrival is derived per request from a feed response and is never cached
// beyond the feed client's TTL. All ids are in schedule format.
type Arrival struct {
	RouteID              string    `json:"routeId"`
	RouteShortName       string    `json:"routeShortName,omitempty"`
	TripID               string    `json:"tripId"`
	StopID               string    `json:"stopId"`
	VehicleID            string    `json:"vehicleId,omitempty"`
	TripHeadsign         string    `json:"tripHeadsign,omitempty"`
	ScheduledTime        time.Time `json:"scheduledTime"`
	PredictedTime        time.Time `json:"predictedTime,omitempty"`
	IsPredicted          bool      `json:"isPredicted"`
	DistanceMeters       float64   `json:"distanceMeters"`
	Position             *LatLon   `json:"position,omitempty"`
	ScheduleDeviationSec int       `json:"scheduleDeviationSec"`
}

// BestTime is the predicted time when the feed has one, else the schedule.
func (a Arrival) BestTime() time.Time {
	if a.IsPredicted && !a.PredictedTime.IsZero() {
		return a.PredictedTime
	}
	return a.ScheduledTime
}

type VehicleSource string

const (
	SourceArrivals    VehicleSource = "arrivals"
	SourceTripDetails VehicleSource = "trip_details"
	SourceGTFSRT      VehicleSource = "gtfs_rt"
)

type VehiclePosition struct {
	VehicleID            string        `json:"vehicleId"`
	TripID               string        `json:"tripId"`
	RouteID              string        `json:"routeId"`
	Lat                  float64       `json:"lat"`
	Lon                  float64       `json:"lon"`
	Bearing              float64       `json:"bearing"`
	ScheduleDeviationSec int           `json:"scheduleDeviationSec"`
	HasDeviation         bool          `json:"hasDeviation"`
	Priority             bool          `json:"priority"`
	Source               VehicleSource `json:"source"`
	ObservedAt           time.Time     `json:"observedAt"`
}

type NearbyStop struct {
	StopID   string   `json:"stopId"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	RouteIDs []string `json:"routeIds"`
}

type TripStatus struct {
	TripID               string    `json:"tripId"`
	VehicleID            string    `json:"vehicleId"`
	Position             *LatLon   `json:"position,omitempty"`
	Bearing              float64   `json:"bearing"`
	ScheduleDeviationSec int       `json:"scheduleDeviationSec"`
	Predicted            bool      `json:"predicted"`
	LastUpdate           time.Time `json:"lastUpdate"`
}

type Alert struct {
	ID          string    `json:"id"`
	RouteID     string    `json:"routeId"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	ActiveFrom  time.Time `json:"activeFrom,omitempty"`
	ActiveUntil time.Time `json:"activeUntil,omitempty"`
}
