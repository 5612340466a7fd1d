package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	gtfs_realtime "github.com/tripcore/internal/gtfs-realtime"
	"github.com/tripcore/internal/gtfs-realtime/tracking"
)

type FollowRequest struct {
	VehicleID string `json:"vehicleId" validate:"required,max=64"`
}

// GET /api/tracking
func (s *Server) getTracking(w http.ResponseWriter, r *http.Request) {
	routes := []gtfs_realtime.RouteStatus{}
	if s.deps.Tracker != nil {
		routes = append(routes, s.deps.Tracker.Status()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

// GET /api/routes/{routeId}/vehicles/stream
//
// Server-sent events, one "update" event per poll. The route is tracked
// for as long as at least one stream is open.
func (s *Server) streamVehicles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live tracking is not running")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	routeID := chi.URLParam(r, "routeId")
	sub, err := s.deps.Tracker.Subscribe(routeID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	defer s.deps.Tracker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			u.Vehicles = nonNilVehicles(u.Vehicles)
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("Encoding vehicle update failed", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: update\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// PUT /api/routes/{routeId}/follow
func (s *Server) follow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live tracking is not running")
		return
	}
	var body FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return
	}

	routeID := chi.URLParam(r, "routeId")
	if err := s.deps.Tracker.Follow(routeID, body.VehicleID); err != nil {
		s.trackingFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"routeId": routeID, "vehicleId": body.VehicleID})
}

// DELETE /api/routes/{routeId}/follow
func (s *Server) unfollow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live tracking is not running")
		return
	}
	if err := s.deps.Tracker.Unfollow(chi.URLParam(r, "routeId")); err != nil {
		s.trackingFailed(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackingFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gtfs_realtime.ErrNotTracked):
		writeError(w, http.StatusNotFound, "not_tracked", "route has no open vehicle stream")
	case errors.Is(err, gtfs_realtime.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, tracking.ErrNoVehicle), errors.Is(err, tracking.ErrNotPolling):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("Tracking request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
