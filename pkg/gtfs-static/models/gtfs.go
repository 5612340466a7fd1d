package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Route struct {
	RouteID        string `json:"routeId"`
	AgencyID       string `json:"agencyId,omitempty"`
	RouteShortName string `json:"routeShortName"`
	RouteLongName  string `json:"routeLongName,omitempty"`
	RouteType      int    `json:"routeType"`
	RouteColor     string `json:"routeColor,omitempty"`
	RouteTextColor string `json:"routeTextColor,omitempty"`
}

// DisplayName prefers the short name used on vehicle signage.
func (r Route) DisplayName() string {
	if r.RouteShortName != "" {
		return r.RouteShortName
	}
	if r.RouteLongName != "" {
		return r.RouteLongName
	}
	return r.RouteID
}

type Stop struct {
	StopID             string  `json:"stopId"`
	StopCode           string  `json:"stopCode,omitempty"`
	StopName           string  `json:"stopName"`
	StopLat            float64 `json:"lat"`
	StopLon            float64 `json:"lon"`
	WheelchairBoarding int     `json:"wheelchairBoarding"`
}

type Trip struct {
	TripID       string
	RouteID      string
	ServiceID    string
	TripHeadsign string
	DirectionID  int
}

type StopTime struct {
	TripID        string
	StopID        string
	StopSequence  int
	ArrivalTime   string // Format: HH:MM:SS, may exceed 24h
	DepartureTime string // Format: HH:MM:SS, may exceed 24h
}

// Tables is one complete set of schedule tables. It is what gets
// persisted between restarts and what the index installs atomically.
type Tables struct {
	Routes    []Route
	Stops     []Stop
	Trips     []Trip
	StopTimes []StopTime
}

// Table names as they appear in the static archive.
const (
	TableRoutes    = "routes.txt"
	TableStops     = "stops.txt"
	TableTrips     = "trips.txt"
	TableStopTimes = "stop_times.txt"
)

// ParseGTFSTime converts HH:MM:SS into seconds after the service day's
// midnight. Hours above 23 are legal for trips running past midnight.
func ParseGTFSTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}

// ServiceTime anchors a GTFS time on the service day containing day.
func ServiceTime(day time.Time, secs int) time.Time {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return midnight.Add(time.Duration(secs) * time.Second)
}
