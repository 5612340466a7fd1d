// Package routing composes simple itineraries: walk to the nearest stop,
// ride one route or transfer once, walk to the destination.
package routing

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tripcore/internal/common/geo"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/reliability"
	rt "github.com/tripcore/pkg/gtfs-realtime/models"
	"github.com/tripcore/pkg/gtfs-static/models"
	planning "github.com/tripcore/pkg/planning/models"
)

const (
	DefaultMaxWalkMeters = 800.0
	DefaultMaxResults    = 5
	maxDirectOptions     = 2

	// fallbackRideMetersPerMinute is 30 km/h, used when no scheduled trip
	// links the two stops.
	fallbackRideMetersPerMinute = 500.0
)

type Mode string

const (
	ModeFast Mode = "fast"
	ModeSafe Mode = "safe"
)

// ScheduleIndex is the part of the static index the composer reads.
type ScheduleIndex interface {
	Stops() []models.Stop
	GetStopByID(id string) (models.Stop, bool)
	GetRouteByID(id string) (models.Route, bool)
	GetRoutesForStop(ctx context.Context, stopID string) []models.Route
	GetStopsForRoute(routeID string) []models.Stop
	TripsForRoute(routeID string) []models.Trip
	StopTimesForTrip(tripID string) []models.StopTime
}

// ArrivalsSource supplies live departures. Optional.
type ArrivalsSource interface {
	GetArrivals(ctx context.Context, stopID string, window consumer.Window) ([]rt.Arrival, consumer.Outcome, error)
}

type Scorer interface {
	ScoreItinerary(legs []planning.Leg) reliability.ItineraryScore
}

// Location is one end of a trip. The first field set wins, in the order
// Coordinates, Stop, StopID, Address.
type Location struct {
	Name        string       `json:"name,omitempty"`
	Coordinates *rt.LatLon   `json:"coordinates,omitempty"`
	Stop        *models.Stop `json:"-"`
	StopID      string       `json:"stopId,omitempty"`
	Address     string       `json:"address,omitempty"`
}

type Request struct {
	Origin        Location  `json:"origin"`
	Destination   Location  `json:"destination"`
	Mode          Mode      `json:"mode,omitempty"`
	MaxWalkMeters float64   `json:"maxWalkMeters,omitempty"`
	MaxResults    int       `json:"maxResults,omitempty"`
	DepartAt      time.Time `json:"departAt,omitempty"`
}

type Composer struct {
	index    ScheduleIndex
	arrivals ArrivalsSource
	geocoder Geocoder
	scorer   Scorer
	logger   logger.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	maxWalkMeters float64
	maxResults    int
}

// NewComposer wires the collaborators. arrivals and geocoder may be nil:
// departures then fall back to the schedule and address endpoints fail to
// resolve.
func NewComposer(index ScheduleIndex, arrivals ArrivalsSource, geocoder Geocoder, scorer Scorer, log logger.Logger, m *metrics.Collector) *Composer {
	return &Composer{
		index:    index,
		arrivals: arrivals,
		geocoder: geocoder,
		scorer:   scorer,
		logger:   log,
		metrics:  m,
		now:      time.Now,

		maxWalkMeters: DefaultMaxWalkMeters,
		maxResults:    DefaultMaxResults,
	}
}

// SetLimits changes the walking radius and result count used when a
// request leaves them unset. Non-positive values keep the current ones.
func (c *Composer) SetLimits(maxWalkMeters float64, maxResults int) {
	if maxWalkMeters > 0 {
		c.maxWalkMeters = maxWalkMeters
	}
	if maxResults > 0 {
		c.maxResults = maxResults
	}
}

// endpoint is a resolved location and the stop serving it.
type endpoint struct {
	place    planning.Place
	stop     models.Stop
	walkDist float64
}

// Plan returns up to MaxResults itineraries, best first, the first one
// flagged Recommended. Failures are *PlanError values, or the context's
// error when ctx ends first.
func (c *Composer) Plan(ctx context.Context, req Request) ([]planning.Itinerary, error) {
	its, err := c.plan(ctx, req)
	switch {
	case err == nil:
		c.metrics.Plan("ok")
	case ctx.Err() != nil:
		c.metrics.Plan("cancelled")
	default:
		var pe *PlanError
		if errors.As(err, &pe) {
			c.metrics.Plan(string(pe.Kind))
		}
	}
	return its, err
}

func (c *Composer) plan(ctx context.Context, req Request) ([]planning.Itinerary, error) {
	if req.MaxWalkMeters <= 0 {
		req.MaxWalkMeters = c.maxWalkMeters
	}
	if req.MaxResults <= 0 {
		req.MaxResults = c.maxResults
	}
	switch req.Mode {
	case "":
		req.Mode = ModeFast
	case ModeFast, ModeSafe:
	default:
		return nil, planError(KindInvalidRequest, "mode", nil)
	}
	departAt := req.DepartAt
	if departAt.IsZero() {
		departAt = c.now()
	}

	// resolve both ends, then the stop serving each
	var origin, dest endpoint
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		origin, err = c.resolveEndpoint(gctx, "origin", req.Origin, req.MaxWalkMeters)
		return err
	})
	g.Go(func() error {
		var err error
		dest, err = c.resolveEndpoint(gctx, "destination", req.Destination, req.MaxWalkMeters)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if origin.stop.StopID == dest.stop.StopID {
		return nil, planError(KindNoTransitOptions, "", errSameStop)
	}

	var originRoutes, destRoutes []models.Route
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		originRoutes = c.index.GetRoutesForStop(gctx, origin.stop.StopID)
		return nil
	})
	g.Go(func() error {
		destRoutes = c.index.GetRoutesForStop(gctx, dest.stop.StopID)
		return nil
	})
	g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	options := c.discover(origin.stop, dest.stop, originRoutes, destRoutes, req.MaxWalkMeters)
	if len(options) == 0 {
		return nil, planError(KindNoTransitOptions, "", nil)
	}

	itineraries := make([]planning.Itinerary, 0, len(options))
	for _, opt := range options {
		it, ok := c.assemble(ctx, origin, dest, opt, departAt)
		if ok {
			itineraries = append(itineraries, it)
		}
	}
	if len(itineraries) == 0 {
		return nil, planError(KindNoTransitOptions, "", nil)
	}

	Rank(itineraries, req.Mode)
	if len(itineraries) > req.MaxResults {
		itineraries = itineraries[:req.MaxResults]
	}
	itineraries[0].Recommended = true
	return itineraries, nil
}

func (c *Composer) resolveEndpoint(ctx context.Context, side string, loc Location, maxWalk float64) (endpoint, error) {
	place, stop, err := c.resolve(ctx, loc)
	if err != nil {
		return endpoint{}, planError(KindLocationUnresolved, side, err)
	}
	if stop != nil {
		return endpoint{place: place, stop: *stop}, nil
	}

	nearest, dist, ok := NearestStop(c.index.Stops(), place.Lat, place.Lon, maxWalk)
	if !ok {
		return endpoint{}, planError(KindNoStopInRange, side, nil)
	}
	return endpoint{place: place, stop: nearest, walkDist: dist}, nil
}

// resolve turns a location into a point. The returned stop is set when
// the location named a stop itself.
func (c *Composer) resolve(ctx context.Context, loc Location) (planning.Place, *models.Stop, error) {
	switch {
	case loc.Coordinates != nil:
		if !loc.Coordinates.Valid() {
			return planning.Place{}, nil, errInvalidCoordinates
		}
		return planning.Place{Name: loc.Name, Lat: loc.Coordinates.Lat, Lon: loc.Coordinates.Lon}, nil, nil

	case loc.Stop != nil:
		s := *loc.Stop
		return stopPlace(s), &s, nil

	case loc.StopID != "":
		s, ok := c.index.GetStopByID(loc.StopID)
		if !ok {
			return planning.Place{}, nil, errUnknownStop
		}
		return stopPlace(s), &s, nil

	case strings.TrimSpace(loc.Address) != "":
		if c.geocoder == nil {
			return planning.Place{}, nil, errNoGeocoder
		}
		res, err := c.geocoder.Geocode(ctx, loc.Address)
		if err != nil {
			c.logger.Warn("Geocoding failed", "address", loc.Address, "error", err)
			return planning.Place{}, nil, err
		}
		if res == nil {
			return planning.Place{}, nil, errAddressNotFound
		}
		name := firstNonEmpty(loc.Name, res.FormattedAddress, loc.Address)
		return planning.Place{Name: name, Lat: res.Lat, Lon: res.Lon}, nil, nil

	default:
		return planning.Place{}, nil, errEmptyLocation
	}
}

func stopPlace(s models.Stop) planning.Place {
	return planning.Place{Name: s.StopName, StopID: s.StopID, Lat: s.StopLat, Lon: s.StopLon}
}

// NearestStop returns the closest stop within maxMeters.
func NearestStop(stops []models.Stop, lat, lon, maxMeters float64) (models.Stop, float64, bool) {
	var (
		best     models.Stop
		bestDist = math.Inf(1)
	)
	for _, s := range stops {
		d := geo.HaversineMeters(lat, lon, s.StopLat, s.StopLon)
		if d <= maxMeters && d < bestDist {
			best, bestDist = s, d
		}
	}
	if math.IsInf(bestDist, 1) {
		return models.Stop{}, 0, false
	}
	return best, bestDist, true
}

// ride is one transit leg of an option, before timing.
type ride struct {
	route  models.Route
	board  models.Stop
	alight models.Stop
}

// option is a direct ride, or two rides with a transfer walk between them.
type option struct {
	rides        []ride
	transferWalk float64
}

// discover finds up to two direct options; failing that, one transfer
// option built from the first route on each side.
func (c *Composer) discover(from, to models.Stop, fromRoutes, toRoutes []models.Route, maxWalk float64) []option {
	serving := make(map[string]bool, len(toRoutes))
	for _, r := range toRoutes {
		serving[r.RouteID] = true
	}

	var options []option
	for _, r := range fromRoutes {
		if !serving[r.RouteID] {
			continue
		}
		options = append(options, option{rides: []ride{{route: c.fullRoute(r), board: from, alight: to}}})
		if len(options) == maxDirectOptions {
			break
		}
	}
	if len(options) > 0 || len(fromRoutes) == 0 || len(toRoutes) == 0 {
		return options
	}

	first, second := c.fullRoute(fromRoutes[0]), c.fullRoute(toRoutes[0])
	xferFrom, xferTo, walk, ok := c.transferPoint(first.RouteID, second.RouteID, maxWalk)
	if !ok {
		return nil
	}
	return []option{{
		rides: []ride{
			{route: first, board: from, alight: xferFrom},
			{route: second, board: xferTo, alight: to},
		},
		transferWalk: walk,
	}}
}

// transferPoint is the first stop of the first route that the second
// route also serves, or else the closest pair of their stops within
// maxWalk.
func (c *Composer) transferPoint(firstRoute, secondRoute string, maxWalk float64) (models.Stop, models.Stop, float64, bool) {
	firstStops := c.index.GetStopsForRoute(firstRoute)
	secondStops := c.index.GetStopsForRoute(secondRoute)

	onSecond := make(map[string]bool, len(secondStops))
	for _, s := range secondStops {
		onSecond[s.StopID] = true
	}
	for _, s := range firstStops {
		if onSecond[s.StopID] {
			return s, s, 0, true
		}
	}

	var (
		bestFrom, bestTo models.Stop
		bestDist         = math.Inf(1)
	)
	for _, a := range firstStops {
		for _, b := range secondStops {
			d := geo.HaversineMeters(a.StopLat, a.StopLon, b.StopLat, b.StopLon)
			if d <= maxWalk && d < bestDist {
				bestFrom, bestTo, bestDist = a, b, d
			}
		}
	}
	if math.IsInf(bestDist, 1) {
		return models.Stop{}, models.Stop{}, 0, false
	}
	return bestFrom, bestTo, bestDist, true
}

func (c *Composer) fullRoute(r models.Route) models.Route {
	if full, ok := c.index.GetRouteByID(r.RouteID); ok {
		return full
	}
	return r
}

// assemble times and scores one option. It reports false when the option
// cannot be turned into a complete itinerary.
func (c *Composer) assemble(ctx context.Context, origin, dest endpoint, opt option, departAt time.Time) (planning.Itinerary, bool) {
	var legs []planning.Leg
	clock := departAt

	if walk := walkLeg(origin.place, stopPlace(origin.stop), origin.walkDist, clock); walk != nil {
		legs = append(legs, *walk)
		clock = walk.ArrivalTime
	}

	for i, r := range opt.rides {
		if i > 0 && opt.transferWalk > 0 {
			walk := walkLeg(stopPlace(opt.rides[i-1].alight), stopPlace(r.board), opt.transferWalk, clock)
			legs = append(legs, *walk)
			clock = walk.ArrivalTime
		}
		leg := c.transitLeg(ctx, r, clock)
		legs = append(legs, leg)
		clock = leg.ArrivalTime
	}

	if walk := walkLeg(stopPlace(dest.stop), dest.place, dest.walkDist, clock); walk != nil {
		legs = append(legs, *walk)
		clock = walk.ArrivalTime
	}

	it := planning.Itinerary{
		ID:            uuid.NewString(),
		Legs:          legs,
		DepartureTime: departAt,
		ArrivalTime:   clock,
	}
	prevArrival := departAt
	for _, leg := range legs {
		switch leg.Mode {
		case planning.ModeWalk:
			it.WalkMinutes += leg.DurationMinutes
			it.WalkMeters += leg.DistanceMeters
		case planning.ModeTransit:
			it.TransitMinutes += leg.DurationMinutes
			it.WaitMinutes += minutesBetween(prevArrival, leg.DepartureTime)
		}
		prevArrival = leg.ArrivalTime
	}
	it.DurationMinutes = minutesBetween(departAt, clock)
	it.Transfers = len(opt.rides) - 1

	score := c.scorer.ScoreItinerary(legs)
	it.Reliability = score.OverallReliability
	it.AvgOnTimeRate = score.AvgOnTimeRate
	it.ExpectedDelayMinutes = score.TotalExpectedDelay
	it.TransferRisks = score.TransferRisks
	if it.TransferRisks == nil {
		it.TransferRisks = []planning.TransferRisk{}
	}
	return it, len(legs) > 0
}

// walkLeg returns nil for a zero-length walk.
func walkLeg(from, to planning.Place, meters float64, start time.Time) *planning.Leg {
	if meters <= 0 {
		return nil
	}
	minutes := geo.WalkMinutes(meters)
	return &planning.Leg{
		Mode:            planning.ModeWalk,
		From:            from,
		To:              to,
		DepartureTime:   start,
		ArrivalTime:     start.Add(time.Duration(minutes) * time.Minute),
		DurationMinutes: minutes,
		DistanceMeters:  math.Round(meters),
	}
}

// transitLeg boards the next departure of the route at or after ready.
func (c *Composer) transitLeg(ctx context.Context, r ride, ready time.Time) planning.Leg {
	leg := planning.Leg{
		Mode:           planning.ModeTransit,
		From:           stopPlace(r.board),
		To:             stopPlace(r.alight),
		RouteID:        r.route.RouteID,
		RouteShortName: r.route.RouteShortName,
		DepartureTime:  ready,
		DistanceMeters: math.Round(geo.HaversineMeters(r.board.StopLat, r.board.StopLon, r.alight.StopLat, r.alight.StopLon)),
	}

	a, live := c.nextDeparture(ctx, r, ready)
	if live {
		leg.DepartureTime = a.BestTime()
		leg.TripID = a.TripID
		leg.IsRealtime = a.IsPredicted
	}

	rideMinutes := 0
	if sched, ok := c.scheduledTrip(r, ready, leg.TripID); ok {
		rideMinutes = sched.minutes
		if !live {
			leg.TripID = sched.tripID
			if !sched.depart.IsZero() {
				leg.DepartureTime = sched.depart
			}
		}
	} else {
		rideMinutes = int(math.Ceil(leg.DistanceMeters / fallbackRideMetersPerMinute))
		if rideMinutes < 1 {
			rideMinutes = 1
		}
	}

	leg.DurationMinutes = rideMinutes
	leg.ArrivalTime = leg.DepartureTime.Add(time.Duration(rideMinutes) * time.Minute)
	return leg
}

// nextDeparture asks the live feed for the first arrival of the route at
// the boarding stop no earlier than ready.
func (c *Composer) nextDeparture(ctx context.Context, r ride, ready time.Time) (rt.Arrival, bool) {
	if c.arrivals == nil {
		return rt.Arrival{}, false
	}
	arrivals, outcome, err := c.arrivals.GetArrivals(ctx, r.board.StopID, consumer.Window{})
	if err != nil || !outcome.HasData() {
		return rt.Arrival{}, false
	}
	for _, a := range arrivals {
		if a.RouteID == r.route.RouteID && !a.BestTime().Before(ready) {
			return a, true
		}
	}
	return rt.Arrival{}, false
}

// timedTrip is a trip of the route that visits board and later alight.
type timedTrip struct {
	tripID string
	// depart is zero when the trip was picked for its ride length only.
	depart  time.Time
	minutes int
}

// scheduledTrip picks the trip to ride. preferTrip, the trip seen on the
// live feed, wins when the schedule knows it; otherwise the earliest
// departure at or after ready. When every departure has already gone the
// first matching trip still supplies the ride length.
func (c *Composer) scheduledTrip(r ride, ready time.Time, preferTrip string) (timedTrip, bool) {
	today := serviceDay(ready)
	days := []time.Time{today.AddDate(0, 0, -1), today}

	var (
		best, first timedTrip
		found       bool
	)
	for _, t := range c.index.TripsForRoute(r.route.RouteID) {
		departSecs, arriveSecs, ok := c.tripSpan(t.TripID, r.board.StopID, r.alight.StopID)
		if !ok {
			continue
		}
		minutes := int(math.Ceil(float64(arriveSecs-departSecs) / 60))
		if minutes < 1 {
			minutes = 1
		}
		if t.TripID == preferTrip {
			return timedTrip{tripID: t.TripID, minutes: minutes}, true
		}
		if !found {
			first, found = timedTrip{tripID: t.TripID, minutes: minutes}, true
		}
		for _, day := range days {
			depart := day.Add(time.Duration(departSecs) * time.Second)
			if depart.Before(ready) {
				continue
			}
			if best.depart.IsZero() || depart.Before(best.depart) {
				best = timedTrip{tripID: t.TripID, depart: depart, minutes: minutes}
			}
		}
	}
	if !best.depart.IsZero() {
		return best, true
	}
	return first, found
}

// tripSpan returns the scheduled departure from board and arrival at
// alight, in seconds after the service day start.
func (c *Composer) tripSpan(tripID, board, alight string) (int, int, bool) {
	var (
		depart   = -1
		boardSeq int
	)
	for _, st := range c.index.StopTimesForTrip(tripID) {
		if depart < 0 && st.StopID == board {
			secs, err := models.ParseGTFSTime(firstNonEmpty(st.DepartureTime, st.ArrivalTime))
			if err != nil {
				return 0, 0, false
			}
			depart, boardSeq = secs, st.StopSequence
			continue
		}
		if depart >= 0 && st.StopID == alight && st.StopSequence > boardSeq {
			secs, err := models.ParseGTFSTime(firstNonEmpty(st.ArrivalTime, st.DepartureTime))
			if err != nil || secs < depart {
				return 0, 0, false
			}
			return depart, secs, true
		}
	}
	return 0, 0, false
}

// serviceDay is the reference point of GTFS times for the day holding t:
// noon minus twelve hours, which stays correct across DST changes.
func serviceDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, t.Location()).Add(-12 * time.Hour)
}

// Rank orders itineraries in place. fast: shortest first. safe: best
// reliability tier, then fewest transfer risks, then shortest.
func Rank(its []planning.Itinerary, mode Mode) {
	sort.SliceStable(its, func(i, j int) bool {
		a, b := its[i], its[j]
		if mode == ModeSafe {
			if ra, rb := a.Reliability.Rank(), b.Reliability.Rank(); ra != rb {
				return ra > rb
			}
			if len(a.TransferRisks) != len(b.TransferRisks) {
				return len(a.TransferRisks) < len(b.TransferRisks)
			}
		}
		return a.DurationMinutes < b.DurationMinutes
	})
}

func minutesBetween(a, b time.Time) int {
	if !b.After(a) {
		return 0
	}
	return int(math.Ceil(b.Sub(a).Minutes()))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
