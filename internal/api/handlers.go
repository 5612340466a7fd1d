package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/reliability"
	rt "github.com/tripcore/pkg/gtfs-realtime/models"
	"github.com/tripcore/pkg/gtfs-static/models"
)

type HealthResponse struct {
	Status         string    `json:"status"`
	ScheduleLoaded bool      `json:"scheduleLoaded"`
	LoadedAt       time.Time `json:"loadedAt,omitempty"`
	Routes         int       `json:"routes"`
	Stops          int       `json:"stops"`
	Trips          int       `json:"trips"`
	StopTimes      int       `json:"stopTimes"`
	SkippedRows    int       `json:"skippedRows"`
	Timestamp      time.Time `json:"timestamp"`
}

type StopsResponse struct {
	Stops []models.Stop `json:"stops"`
	Count int           `json:"count"`
}

type RoutesResponse struct {
	StopID string         `json:"stopId"`
	Routes []models.Route `json:"routes"`
}

type ArrivalsResponse struct {
	StopID   string           `json:"stopId"`
	Arrivals []rt.Arrival     `json:"arrivals"`
	Outcome  consumer.Outcome `json:"outcome"`
}

type VehiclesResponse struct {
	RouteID  string               `json:"routeId"`
	Vehicles []rt.VehiclePosition `json:"vehicles"`
	Outcome  consumer.Outcome     `json:"outcome"`
	Tracked  bool                 `json:"tracked"`
	At       time.Time            `json:"at"`
}

type AlertsResponse struct {
	RouteID string           `json:"routeId"`
	Alerts  []rt.Alert       `json:"alerts"`
	Outcome consumer.Outcome `json:"outcome"`
}

// GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Schedule.LoadInfo()
	resp := HealthResponse{
		Status:         "ok",
		ScheduleLoaded: !info.LoadedAt.IsZero(),
		LoadedAt:       info.LoadedAt,
		Routes:         info.Routes,
		Stops:          info.Stops,
		Trips:          info.Trips,
		StopTimes:      info.StopTimes,
		SkippedRows:    info.TotalSkipped(),
		Timestamp:      s.now().UTC(),
	}
	status := http.StatusOK
	if !resp.ScheduleLoaded {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GET /api/stops/search?q=
func (s *Server) searchStops(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "q is required")
		return
	}
	stops := s.deps.Schedule.SearchStops(q)
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(stops) {
		stops = stops[:limit]
	}
	writeJSON(w, http.StatusOK, StopsResponse{Stops: stops, Count: len(stops)})
}

// GET /api/stops/{stopId}
func (s *Server) getStop(w http.ResponseWriter, r *http.Request) {
	stop, ok := s.deps.Schedule.GetStopByID(chi.URLParam(r, "stopId"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown stop")
		return
	}
	writeJSON(w, http.StatusOK, stop)
}

// GET /api/stops/{stopId}/arrivals?minutesBefore=&minutesAfter=
func (s *Server) getArrivals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stopID := chi.URLParam(r, "stopId")
	window := consumer.Window{
		MinutesBefore: queryInt(r, "minutesBefore", 0),
		MinutesAfter:  queryInt(r, "minutesAfter", 0),
	}

	arrivals, outcome, err := s.deps.Feed.GetArrivals(ctx, stopID, window)
	if err != nil {
		s.feedUnavailable(w, err)
		return
	}
	if arrivals == nil {
		arrivals = []rt.Arrival{}
	}
	writeJSON(w, http.StatusOK, ArrivalsResponse{StopID: stopID, Arrivals: arrivals, Outcome: outcome})
}

// GET /api/stops/{stopId}/routes
func (s *Server) getStopRoutes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stopID := chi.URLParam(r, "stopId")
	if _, ok := s.deps.Schedule.GetStopByID(stopID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown stop")
		return
	}
	routes := s.deps.Schedule.GetRoutesForStop(ctx, stopID)
	if routes == nil {
		routes = []models.Route{}
	}
	writeJSON(w, http.StatusOK, RoutesResponse{StopID: stopID, Routes: routes})
}

// GET /api/routes/{routeId}/stops
func (s *Server) getRouteStops(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")
	if _, ok := s.deps.Schedule.GetRouteByID(routeID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	stops := s.deps.Schedule.GetStopsForRoute(routeID)
	writeJSON(w, http.StatusOK, StopsResponse{Stops: stops, Count: len(stops)})
}

// GET /api/routes/{routeId}/reliability
func (s *Server) getReliability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Reliability.GetReliability(chi.URLParam(r, "routeId")))
}

// PUT /api/routes/{routeId}/reliability
func (s *Server) putReliability(w http.ResponseWriter, r *http.Request) {
	var u reliability.Update
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}

	rec, err := s.deps.Reliability.UpsertReliability(chi.URLParam(r, "routeId"), u)
	if errors.Is(err, reliability.ErrInvalidUpdate) {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Reliability update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "update failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/routes/{routeId}/delay?at=RFC3339
func (s *Server) getDelay(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "at must be RFC3339")
			return
		}
		at = t
	}
	writeJSON(w, http.StatusOK, s.deps.Reliability.PredictDelay(chi.URLParam(r, "routeId"), at))
}

// GET /api/routes/{routeId}/vehicles?priorityVehicleId=
//
// Routes with a live tracking session answer from its latest poll; others
// sample the feed on demand.
func (s *Server) getVehicles(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")
	if s.deps.Tracker != nil {
		if u, ok := s.deps.Tracker.Latest(routeID); ok {
			writeJSON(w, http.StatusOK, VehiclesResponse{
				RouteID: routeID, Vehicles: nonNilVehicles(u.Vehicles), Outcome: u.Outcome, Tracked: true, At: u.At,
			})
			return
		}
	}
	if s.deps.Vehicles == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "vehicle positions are not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	opts := consumer.VehicleOptions{PriorityVehicleID: r.URL.Query().Get("priorityVehicleId")}
	vehicles, outcome, err := s.deps.Vehicles.VehiclesForRoute(ctx, routeID, opts)
	if err != nil {
		s.feedUnavailable(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VehiclesResponse{
		RouteID: routeID, Vehicles: nonNilVehicles(vehicles), Outcome: outcome, At: s.now().UTC(),
	})
}

// GET /api/routes/{routeId}/alerts
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	routeID := chi.URLParam(r, "routeId")
	alerts, outcome, err := s.deps.Feed.GetAlertsForRoute(ctx, routeID)
	if err != nil {
		s.feedUnavailable(w, err)
		return
	}
	if alerts == nil {
		alerts = []rt.Alert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{RouteID: routeID, Alerts: alerts, Outcome: outcome})
}

// feedUnavailable answers a misconfigured feed client; every other feed
// problem arrives as an Outcome with a 200.
func (s *Server) feedUnavailable(w http.ResponseWriter, err error) {
	var cfgErr *consumer.ConfigError
	if errors.As(err, &cfgErr) {
		s.logger.Error("Feed client misconfigured", "field", cfgErr.Field)
	} else {
		s.logger.Error("Feed call failed", "error", err)
	}
	writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
}

func nonNilVehicles(v []rt.VehiclePosition) []rt.VehiclePosition {
	if v == nil {
		return []rt.VehiclePosition{}
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

