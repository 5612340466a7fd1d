package consumer

import (
	"github.com/tripcore/pkg/gtfs-realtime/models"
)

// Wire types for the OneBusAway-style REST API. Only the fields the
// client reads are declared.

type response[T any] struct {
	Code        int                `json:"code"`
	CurrentTime models.EpochMillis `json:"currentTime"`
	Text        string             `json:"text"`
	Version     int                `json:"version"`
	Data        T                  `json:"data"`
}

type entryData[T any] struct {
	Entry T `json:"entry"`
}

type listData[T any] struct {
	List          []T  `json:"list"`
	LimitExceeded bool `json:"limitExceeded"`
}

type location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type tripStatus struct {
	ActiveTripID           string             `json:"activeTripId"`
	VehicleID              string             `json:"vehicleId"`
	Position               *location          `json:"position"`
	LastKnownLocation      *location          `json:"lastKnownLocation"`
	Orientation            float64            `json:"orientation"`
	Predicted              bool               `json:"predicted"`
	ScheduleDeviation      int                `json:"scheduleDeviation"`
	LastUpdateTime         models.EpochMillis `json:"lastUpdateTime"`
	LastLocationUpdateTime models.EpochMillis `json:"lastLocationUpdateTime"`
}

type arrivalAndDeparture struct {
	RouteID                string             `json:"routeId"`
	RouteShortName         string             `json:"routeShortName"`
	TripID                 string             `json:"tripId"`
	TripHeadsign           string             `json:"tripHeadsign"`
	StopID                 string             `json:"stopId"`
	VehicleID              string             `json:"vehicleId"`
	DistanceFromStop       float64            `json:"distanceFromStop"`
	Predicted              bool               `json:"predicted"`
	ScheduledArrivalTime   models.EpochMillis `json:"scheduledArrivalTime"`
	PredictedArrivalTime   models.EpochMillis `json:"predictedArrivalTime"`
	ScheduledDepartureTime models.EpochMillis `json:"scheduledDepartureTime"`
	PredictedDepartureTime models.EpochMillis `json:"predictedDepartureTime"`
	TripStatus             *tripStatus        `json:"tripStatus"`
}

type stopArrivals struct {
	StopID                string                `json:"stopId"`
	ArrivalsAndDepartures []arrivalAndDeparture `json:"arrivalsAndDepartures"`
}

type stop struct {
	ID       string   `json:"id"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	RouteIDs []string `json:"routeIds"`
}

type tripDetails struct {
	TripID string      `json:"tripId"`
	Status *tripStatus `json:"status"`
}

type textValue struct {
	Value string `json:"value"`
}

type timeRange struct {
	From models.EpochMillis `json:"from"`
	To   models.EpochMillis `json:"to"`
}

type affects struct {
	RouteID string `json:"routeId"`
}

type situation struct {
	ID            string      `json:"id"`
	Summary       textValue   `json:"summary"`
	Description   textValue   `json:"description"`
	Severity      string      `json:"severity"`
	ActiveWindows []timeRange `json:"activeWindows"`
	AllAffects    []affects   `json:"allAffects"`
}

func (l *location) toLatLon() *models.LatLon {
	if l == nil {
		return nil
	}
	p := &models.LatLon{Lat: l.Lat, Lon: l.Lon}
	if !p.Valid() {
		return nil
	}
	return p
}

// position prefers the current position over the last known one.
func (s *tripStatus) position() *models.LatLon {
	if s == nil {
		return nil
	}
	if p := s.Position.toLatLon(); p != nil {
		return p
	}
	return s.LastKnownLocation.toLatLon()
}
