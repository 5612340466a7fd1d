package consumer

import (
	"context"
	"sort"
	"time"

	"github.com/tripcore/pkg/gtfs-realtime/models"
)

const (
	maxSampleStops         = 3
	maxSampleStopsPriority = 2
)

type VehicleOptions struct {
	// PriorityVehicleID is the vehicle a consumer is following, in
	// schedule id format.
	PriorityVehicleID string
}

// GetVehiclesForRoute derives vehicle positions from the arrivals at a few
// sample stops instead of asking for every vehicle. Vehicles without an
// inline position are left out, except the priority vehicle, which may
// cost one trip-details call.
func (c *Client) GetVehiclesForRoute(ctx context.Context, routeID string, sampleStops []string, opts VehicleOptions) ([]models.VehiclePosition, Outcome, error) {
	if err := c.checkConfig(); err != nil {
		return []models.VehiclePosition{}, Fatal, err
	}

	route := c.mapper.ToScheduleID(routeID)
	priority := c.mapper.ToScheduleID(opts.PriorityVehicleID)

	limit, ttl := maxSampleStops, c.cfg.ArrivalsTTL
	if priority != "" {
		limit, ttl = maxSampleStopsPriority, c.cfg.TrackedTTL
	}
	stops := c.mapper.ToScheduleIDs(sampleStops)
	if len(stops) > limit {
		stops = stops[:limit]
	}
	if len(stops) == 0 {
		return []models.VehiclePosition{}, Empty, nil
	}

	var (
		vehicles     = make(map[string]models.VehiclePosition)
		priorityTrip string
		answered     bool
		failure      Outcome = Transient
	)

	for i, stopID := range stops {
		if i > 0 && c.cfg.StopSpacing > 0 {
			if err := sleepContext(ctx, c.cfg.StopSpacing); err != nil {
				break
			}
		}

		arrivals, outcome, err := c.arrivals(ctx, stopID, c.cfg.DefaultWindow, ttl)
		if err != nil {
			return []models.VehiclePosition{}, Fatal, err
		}
		if outcome.IsError() {
			failure = outcome
			if outcome == RateLimited {
				// further stops would be rejected too
				break
			}
			continue
		}
		answered = true

		for _, a := range arrivals {
			if a.RouteID != route || a.VehicleID == "" {
				continue
			}
			isPriority := a.VehicleID == priority
			if !a.Position.Valid() {
				if isPriority && priorityTrip == "" {
					priorityTrip = a.TripID
				}
				continue
			}
			if _, seen := vehicles[a.VehicleID]; seen {
				continue
			}
			vehicles[a.VehicleID] = models.VehiclePosition{
				VehicleID:            a.VehicleID,
				TripID:               a.TripID,
				RouteID:              route,
				Lat:                  a.Position.Lat,
				Lon:                  a.Position.Lon,
				ScheduleDeviationSec: a.ScheduleDeviationSec,
				HasDeviation:         a.IsPredicted,
				Priority:             isPriority,
				Source:               models.SourceArrivals,
				ObservedAt:           c.now(),
			}
		}
	}

	if _, found := vehicles[priority]; priority != "" && !found && priorityTrip != "" && ctx.Err() == nil {
		status, outcome, err := c.tripDetails(ctx, priorityTrip, c.cfg.TrackedTTL)
		if err != nil {
			return []models.VehiclePosition{}, Fatal, err
		}
		if outcome == OK && status.Position.Valid() {
			answered = true
			vehicles[priority] = models.VehiclePosition{
				VehicleID:            priority,
				TripID:               status.TripID,
				RouteID:              route,
				Lat:                  status.Position.Lat,
				Lon:                  status.Position.Lon,
				Bearing:              status.Bearing,
				ScheduleDeviationSec: status.ScheduleDeviationSec,
				HasDeviation:         status.Predicted,
				Priority:             true,
				Source:               models.SourceTripDetails,
				ObservedAt:           c.now(),
			}
		}
	}

	out := make([]models.VehiclePosition, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })

	switch {
	case len(out) > 0:
		return out, OK, nil
	case answered:
		return out, Empty, nil
	default:
		return out, failure, nil
	}
}

// SpreadSample picks up to n ids spread evenly along the list, always
// including the first and the last.
func SpreadSample(stopIDs []string, n int) []string {
	if n <= 0 || len(stopIDs) == 0 {
		return nil
	}
	if len(stopIDs) <= n {
		out := make([]string, len(stopIDs))
		copy(out, stopIDs)
		return out
	}
	if n == 1 {
		return []string{stopIDs[len(stopIDs)/2]}
	}
	out := make([]string, 0, n)
	step := float64(len(stopIDs)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, stopIDs[int(float64(i)*step+0.5)])
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
