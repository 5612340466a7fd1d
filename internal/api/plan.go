package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tripcore/internal/routing"
	rt "github.com/tripcore/pkg/gtfs-realtime/models"
	planning "github.com/tripcore/pkg/planning/models"
)

type LocationBody struct {
	Name    string   `json:"name"`
	Lat     *float64 `json:"lat" validate:"omitempty,gte=-90,lte=90"`
	Lon     *float64 `json:"lon" validate:"omitempty,gte=-180,lte=180"`
	StopID  string   `json:"stopId"`
	Address string   `json:"address" validate:"max=300"`
}

// usable reports whether the body names a point, a stop or an address.
// Coordinates count only as a pair.
func (l LocationBody) usable() bool {
	if (l.Lat == nil) != (l.Lon == nil) {
		return false
	}
	return l.Lat != nil || l.StopID != "" || l.Address != ""
}

func (l LocationBody) toLocation() routing.Location {
	loc := routing.Location{Name: l.Name, StopID: l.StopID, Address: l.Address}
	if l.Lat != nil && l.Lon != nil {
		loc.Coordinates = &rt.LatLon{Lat: *l.Lat, Lon: *l.Lon}
	}
	return loc
}

type PlanRequest struct {
	Origin        LocationBody `json:"origin"`
	Destination   LocationBody `json:"destination"`
	Mode          string       `json:"mode" validate:"omitempty,oneof=fast safe"`
	MaxWalkMeters float64      `json:"maxWalkMeters" validate:"gte=0,lte=5000"`
	MaxResults    int          `json:"maxResults" validate:"gte=0,lte=20"`
	DepartAt      *time.Time   `json:"departAt"`
}

type PlanResponse struct {
	Itineraries []planning.Itinerary `json:"itineraries"`
	Count       int                  `json:"count"`
}

// POST /api/plan
func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var body PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(routing.KindInvalidRequest), "malformed body")
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, string(routing.KindInvalidRequest), validationMessage(err))
		return
	}
	if !body.Origin.usable() || !body.Destination.usable() {
		writeError(w, http.StatusBadRequest, string(routing.KindInvalidRequest), "origin and destination need lat and lon, a stopId or an address")
		return
	}

	req := routing.Request{
		Origin:        body.Origin.toLocation(),
		Destination:   body.Destination.toLocation(),
		Mode:          routing.Mode(body.Mode),
		MaxWalkMeters: body.MaxWalkMeters,
		MaxResults:    body.MaxResults,
	}
	if body.DepartAt != nil {
		req.DepartAt = *body.DepartAt
	}

	its, err := s.deps.Planner.Plan(ctx, req)
	if err != nil {
		s.planFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Itineraries: its, Count: len(its)})
}

// planFailed maps planner errors: unresolvable endpoints are 422, no route
// between resolved stops is 404 with code no_options.
func (s *Server) planFailed(w http.ResponseWriter, err error) {
	var pe *routing.PlanError
	if !errors.As(err, &pe) {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "timeout", "planning took too long")
			return
		}
		s.logger.Error("Planning failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "planning failed")
		return
	}

	switch pe.Kind {
	case routing.KindNoTransitOptions:
		writeError(w, http.StatusNotFound, string(pe.Kind), "no transit options between these locations")
	case routing.KindInvalidRequest:
		writeError(w, http.StatusBadRequest, string(pe.Kind), pe.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, string(pe.Kind), pe.Error())
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Namespace() + " failed " + verrs[0].Tag()
	}
	return err.Error()
}
