package routing

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/storage"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/reliability"
	rt "github.com/tripcore/pkg/gtfs-realtime/models"
	"github.com/tripcore/pkg/gtfs-static/models"
	planning "github.com/tripcore/pkg/planning/models"
)

// roughly 111.195 m per 0.001 degree of latitude
const metersPerDegreeLat = 111195.0

type fakeIndex struct {
	stops     []models.Stop
	routes    map[string]models.Route
	routeStop map[string][]string
	trips     map[string][]models.Trip
	stopTimes map[string][]models.StopTime
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		routes:    map[string]models.Route{},
		routeStop: map[string][]string{},
		trips:     map[string][]models.Trip{},
		stopTimes: map[string][]models.StopTime{},
	}
}

func (f *fakeIndex) addStop(id string, lat, lon float64) models.Stop {
	s := models.Stop{StopID: id, StopName: "Stop " + id, StopLat: lat, StopLon: lon}
	f.stops = append(f.stops, s)
	return s
}

func (f *fakeIndex) addRoute(id string, stopIDs ...string) {
	f.routes[id] = models.Route{RouteID: id, RouteShortName: id}
	f.routeStop[id] = stopIDs
}

// addTrip adds a trip visiting stops at the given "HH:MM:SS" times.
func (f *fakeIndex) addTrip(routeID, tripID string, visits ...[2]string) {
	f.trips[routeID] = append(f.trips[routeID], models.Trip{TripID: tripID, RouteID: routeID})
	for n, v := range visits {
		f.stopTimes[tripID] = append(f.stopTimes[tripID], models.StopTime{
			TripID: tripID, StopID: v[0], StopSequence: n + 1, ArrivalTime: v[1], DepartureTime: v[1],
		})
	}
}

func (f *fakeIndex) Stops() []models.Stop { return f.stops }

func (f *fakeIndex) GetStopByID(id string) (models.Stop, bool) {
	for _, s := range f.stops {
		if s.StopID == id {
			return s, true
		}
	}
	return models.Stop{}, false
}

func (f *fakeIndex) GetRouteByID(id string) (models.Route, bool) {
	r, ok := f.routes[id]
	return r, ok
}

func (f *fakeIndex) GetRoutesForStop(_ context.Context, stopID string) []models.Route {
	var out []models.Route
	for id, stops := range f.routeStop {
		for _, s := range stops {
			if s == stopID {
				out = append(out, f.routes[id])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

func (f *fakeIndex) GetStopsForRoute(routeID string) []models.Stop {
	var out []models.Stop
	for _, id := range f.routeStop[routeID] {
		s, _ := f.GetStopByID(id)
		out = append(out, s)
	}
	return out
}

func (f *fakeIndex) TripsForRoute(routeID string) []models.Trip {
	return append([]models.Trip(nil), f.trips[routeID]...)
}

func (f *fakeIndex) StopTimesForTrip(tripID string) []models.StopTime {
	return f.stopTimes[tripID]
}

type fakeArrivals struct {
	arrivals []rt.Arrival
	outcome  consumer.Outcome
}

func (f *fakeArrivals) GetArrivals(_ context.Context, stopID string, _ consumer.Window) ([]rt.Arrival, consumer.Outcome, error) {
	var out []rt.Arrival
	for _, a := range f.arrivals {
		if a.StopID == stopID {
			out = append(out, a)
		}
	}
	return out, f.outcome, nil
}

type fakeGeocoder struct {
	calls   atomic.Int32
	results map[string]*GeocodeResult
	err     error
}

func (f *fakeGeocoder) Geocode(_ context.Context, address string) (*GeocodeResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[address], nil
}

func (f *fakeGeocoder) ReverseGeocode(_ context.Context, lat, lon float64) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "somewhere", nil
}

var departAt = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

// directFixture: origin is 150 m south of S1, destination 200 m north of
// S2, and route R1 runs S1 -> S2 in 12 minutes.
func directFixture() (*fakeIndex, Request) {
	idx := newFakeIndex()
	s1 := idx.addStop("S1", -37.8000, 144.9600)
	s2 := idx.addStop("S2", -37.7500, 144.9600)
	idx.addRoute("R1", "S1", "S2")
	idx.addTrip("R1", "T1", [2]string{"S1", "10:00:00"}, [2]string{"S2", "10:12:00"})

	req := Request{
		Origin:      Location{Name: "Home", Coordinates: &rt.LatLon{Lat: s1.StopLat - 150/metersPerDegreeLat, Lon: s1.StopLon}},
		Destination: Location{Name: "Work", Coordinates: &rt.LatLon{Lat: s2.StopLat + 200/metersPerDegreeLat, Lon: s2.StopLon}},
		DepartAt:    departAt,
	}
	return idx, req
}

func newEngine(t *testing.T) *reliability.Engine {
	t.Helper()
	return reliability.New(storage.NewMemoryStore(), time.UTC, ids.NewMapper("1"), logger.Nop(), nil)
}

func newComposer(idx ScheduleIndex, arrivals ArrivalsSource, geocoder Geocoder, scorer Scorer) *Composer {
	c := NewComposer(idx, arrivals, geocoder, scorer, logger.Nop(), nil)
	c.now = func() time.Time { return departAt }
	return c
}

func modes(it planning.Itinerary) []planning.Mode {
	var out []planning.Mode
	for _, l := range it.Legs {
		out = append(out, l.Mode)
	}
	return out
}

func TestPlanDirectRoute(t *testing.T) {
	idx, req := directFixture()
	c := newComposer(idx, nil, nil, newEngine(t))

	its, err := c.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, its, 1)

	it := its[0]
	assert.True(t, it.Recommended)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, []planning.Mode{planning.ModeWalk, planning.ModeTransit, planning.ModeWalk}, modes(it))

	walkIn, ride, walkOut := it.Legs[0], it.Legs[1], it.Legs[2]
	assert.InDelta(t, 150, walkIn.DistanceMeters, 2)
	assert.Equal(t, 2, walkIn.DurationMinutes)
	assert.Equal(t, "Home", walkIn.From.Name)
	assert.Equal(t, "S1", walkIn.To.StopID)

	assert.Equal(t, "R1", ride.RouteID)
	assert.Equal(t, "T1", ride.TripID)
	assert.Equal(t, 12, ride.DurationMinutes)
	assert.False(t, ride.IsRealtime)
	assert.Equal(t, departAt.Add(2*time.Minute), ride.DepartureTime)

	assert.InDelta(t, 200, walkOut.DistanceMeters, 2)
	assert.Equal(t, 3, walkOut.DurationMinutes)
	assert.Equal(t, "Work", walkOut.To.Name)

	assert.Equal(t, 17, it.DurationMinutes)
	assert.Equal(t, 5, it.WalkMinutes)
	assert.Equal(t, 12, it.TransitMinutes)
	assert.Equal(t, 0, it.Transfers)
	assert.Equal(t, planning.TierMedium, it.Reliability)
	assert.Empty(t, it.TransferRisks)
	assert.Equal(t, departAt.Add(17*time.Minute), it.ArrivalTime)
}

func TestPlanUsesLiveDeparture(t *testing.T) {
	idx, req := directFixture()
	live := &fakeArrivals{
		outcome: consumer.OK,
		arrivals: []rt.Arrival{
			// already gone by the time we reach the stop
			{RouteID: "R1", StopID: "S1", TripID: "T0", ScheduledTime: departAt.Add(time.Minute)},
			{RouteID: "R1", StopID: "S1", TripID: "T1", ScheduledTime: departAt.Add(4 * time.Minute), PredictedTime: departAt.Add(5 * time.Minute), IsPredicted: true},
		},
	}
	c := newComposer(idx, live, nil, newEngine(t))

	its, err := c.Plan(context.Background(), req)
	require.NoError(t, err)

	ride := its[0].Legs[1]
	assert.True(t, ride.IsRealtime)
	assert.Equal(t, "T1", ride.TripID)
	assert.Equal(t, departAt.Add(5*time.Minute), ride.DepartureTime)
	assert.Equal(t, 3, its[0].WaitMinutes)
	assert.Equal(t, 20, its[0].DurationMinutes)
}

func TestPlanFallsBackToDistanceWithoutSchedule(t *testing.T) {
	idx, req := directFixture()
	idx.trips = map[string][]models.Trip{}
	c := newComposer(idx, nil, nil, newEngine(t))

	its, err := c.Plan(context.Background(), req)
	require.NoError(t, err)

	ride := its[0].Legs[1]
	// about 5.56 km at 500 m/min
	assert.Equal(t, 12, ride.DurationMinutes)
	assert.Empty(t, ride.TripID)
}

func TestPlanRanksByMode(t *testing.T) {
	idx, req := directFixture()
	idx.addRoute("R2", "S1", "S2")
	idx.addTrip("R2", "T2", [2]string{"S1", "10:00:00"}, [2]string{"S2", "10:20:00"})

	engine := newEngine(t)
	low, high := 0.5, 0.9
	_, err := engine.UpsertReliability("R1", reliability.Update{OnTimeRate: &low})
	require.NoError(t, err)
	_, err = engine.UpsertReliability("R2", reliability.Update{OnTimeRate: &high})
	require.NoError(t, err)

	c := newComposer(idx, nil, nil, engine)

	fast, err := c.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, fast, 2)
	assert.Equal(t, "R1", fast[0].Legs[1].RouteID)
	assert.True(t, fast[0].Recommended)
	assert.False(t, fast[1].Recommended)

	req.Mode = ModeSafe
	safe, err := c.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, safe, 2)
	assert.Equal(t, "R2", safe[0].Legs[1].RouteID)
	assert.Equal(t, planning.TierHigh, safe[0].Reliability)
	assert.True(t, safe[0].Recommended)

	req.MaxResults = 1
	one, err := c.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	req.MaxResults = 0
	c.SetLimits(0, 1)
	one, err = c.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestPlanTransferAtSharedStop(t *testing.T) {
	idx := newFakeIndex()
	idx.addStop("S1", -37.8000, 144.9600)
	idx.addStop("SX", -37.7800, 144.9600)
	idx.addStop("S2", -37.7600, 144.9600)
	idx.addRoute("A", "S1", "SX")
	idx.addRoute("B", "SX", "S2")
	idx.addTrip("A", "TA", [2]string{"S1", "10:00:00"}, [2]string{"SX", "10:06:00"})
	idx.addTrip("B", "TB", [2]string{"SX", "10:10:00"}, [2]string{"S2", "10:16:00"})

	c := newComposer(idx, nil, nil, newEngine(t))
	its, err := c.Plan(context.Background(), Request{
		Origin:      Location{StopID: "S1"},
		Destination: Location{StopID: "S2"},
		DepartAt:    departAt,
	})
	require.NoError(t, err)
	require.Len(t, its, 1)

	it := its[0]
	// both ends are stops and the transfer needs no walk
	assert.Equal(t, []planning.Mode{planning.ModeTransit, planning.ModeTransit}, modes(it))
	assert.Equal(t, 1, it.Transfers)
	assert.Equal(t, "SX", it.Legs[0].To.StopID)
	assert.Equal(t, "SX", it.Legs[1].From.StopID)
	require.Len(t, it.TransferRisks, 1)
	assert.Equal(t, 0, it.TransferRisks[0].FromLegIndex)
	assert.Equal(t, 1, it.TransferRisks[0].ToLegIndex)
}

func TestPlanKeepsLiveDepartureWithoutTripID(t *testing.T) {
	idx, req := directFixture()
	idx.addTrip("R1", "T2", [2]string{"S1", "10:15:00"}, [2]string{"S2", "10:25:00"})
	live := &fakeArrivals{
		outcome: consumer.OK,
		arrivals: []rt.Arrival{
			{RouteID: "R1", StopID: "S1", ScheduledTime: departAt.Add(7 * time.Minute)},
		},
	}
	c := newComposer(idx, live, nil, newEngine(t))

	its, err := c.Plan(context.Background(), req)
	require.NoError(t, err)

	ride := its[0].Legs[1]
	assert.Empty(t, ride.TripID)
	assert.Equal(t, departAt.Add(7*time.Minute), ride.DepartureTime)
	assert.Equal(t, 10, ride.DurationMinutes)
}

func TestPlanTransferUsesScheduledConnection(t *testing.T) {
	idx := newFakeIndex()
	idx.addStop("S1", -37.8000, 144.9600)
	idx.addStop("SX", -37.7800, 144.9600)
	idx.addStop("S2", -37.7600, 144.9600)
	idx.addRoute("A", "S1", "SX")
	idx.addRoute("B", "SX", "S2")
	idx.addTrip("A", "TA", [2]string{"S1", "10:00:00"}, [2]string{"SX", "10:06:00"})
	idx.addTrip("B", "TB0", [2]string{"SX", "09:50:00"}, [2]string{"S2", "09:56:00"})
	idx.addTrip("B", "TB", [2]string{"SX", "10:30:00"}, [2]string{"S2", "10:36:00"})

	c := newComposer(idx, nil, nil, newEngine(t))
	its, err := c.Plan(context.Background(), Request{
		Origin:      Location{StopID: "S1"},
		Destination: Location{StopID: "S2"},
		DepartAt:    departAt,
	})
	require.NoError(t, err)
	require.Len(t, its, 1)

	it := its[0]
	first, second := it.Legs[0], it.Legs[1]
	assert.Equal(t, "TA", first.TripID)
	assert.Equal(t, departAt, first.DepartureTime)
	assert.Equal(t, departAt.Add(6*time.Minute), first.ArrivalTime)

	assert.Equal(t, "TB", second.TripID)
	assert.Equal(t, departAt.Add(30*time.Minute), second.DepartureTime)
	assert.Equal(t, departAt.Add(36*time.Minute), second.ArrivalTime)
	assert.Equal(t, 24, it.WaitMinutes)
	assert.Equal(t, 36, it.DurationMinutes)

	// 24 minute gap minus the default 2 minute transfer walk and the 3
	// minute average delay of route A
	require.Len(t, it.TransferRisks, 1)
	risk := it.TransferRisks[0]
	assert.Equal(t, 22.0, risk.BufferMinutes)
	assert.Equal(t, 19.0, risk.AdjustedBufferMinutes)
	assert.Equal(t, planning.TierLow, risk.RiskTier)
	assert.Equal(t, reliability.LowRiskMissed, risk.MissedProbability)
}

func TestPlanWaitsForNextScheduledTrip(t *testing.T) {
	idx, req := directFixture()
	idx.addTrip("R1", "T2", [2]string{"S1", "10:15:00"}, [2]string{"S2", "10:25:00"})
	idx.addTrip("R1", "T3", [2]string{"S1", "10:45:00"}, [2]string{"S2", "10:55:00"})
	c := newComposer(idx, nil, nil, newEngine(t))

	its, err := c.Plan(context.Background(), req)
	require.NoError(t, err)

	ride := its[0].Legs[1]
	assert.Equal(t, "T2", ride.TripID)
	assert.Equal(t, departAt.Add(15*time.Minute), ride.DepartureTime)
	assert.Equal(t, 10, ride.DurationMinutes)
	assert.Equal(t, 13, its[0].WaitMinutes)
	assert.Equal(t, 28, its[0].DurationMinutes)
}

func TestPlanSameStopHasNoOptions(t *testing.T) {
	idx, _ := directFixture()
	c := newComposer(idx, nil, nil, newEngine(t))

	_, err := c.Plan(context.Background(), Request{
		Origin:      Location{StopID: "S1"},
		Destination: Location{StopID: "S1"},
		DepartAt:    departAt,
	})
	assert.ErrorIs(t, err, ErrNoTransitOptions)
}

func TestPlanTransferWithWalk(t *testing.T) {
	idx := newFakeIndex()
	idx.addStop("S1", -37.8000, 144.9600)
	idx.addStop("SX", -37.7800, 144.9600)
	idx.addStop("SY", -37.7800+100/metersPerDegreeLat, 144.9600)
	idx.addStop("S2", -37.7600, 144.9600)
	idx.addRoute("A", "S1", "SX")
	idx.addRoute("B", "SY", "S2")

	c := newComposer(idx, nil, nil, newEngine(t))
	its, err := c.Plan(context.Background(), Request{
		Origin:      Location{StopID: "S1"},
		Destination: Location{StopID: "S2"},
		DepartAt:    departAt,
	})
	require.NoError(t, err)

	it := its[0]
	assert.Equal(t, []planning.Mode{planning.ModeTransit, planning.ModeWalk, planning.ModeTransit}, modes(it))
	assert.InDelta(t, 100, it.Legs[1].DistanceMeters, 2)
	assert.Equal(t, 2, it.Legs[1].DurationMinutes)
}

func TestPlanErrors(t *testing.T) {
	idx, base := directFixture()
	idx.addStop("LONELY", -37.9000, 145.1000)
	c := newComposer(idx, nil, nil, newEngine(t))

	tests := []struct {
		name     string
		mutate   func(*Request)
		want     error
		endpoint string
	}{
		{
			name:     "origin too far from any stop",
			mutate:   func(r *Request) { r.Origin = Location{Coordinates: &rt.LatLon{Lat: -38.5, Lon: 144.96}} },
			want:     ErrNoStopInRange,
			endpoint: "origin",
		},
		{
			name:     "unknown destination stop",
			mutate:   func(r *Request) { r.Destination = Location{StopID: "NOPE"} },
			want:     ErrLocationUnresolved,
			endpoint: "destination",
		},
		{
			name:     "address without geocoder",
			mutate:   func(r *Request) { r.Origin = Location{Address: "1 Main St"} },
			want:     ErrLocationUnresolved,
			endpoint: "origin",
		},
		{
			name:   "empty location",
			mutate: func(r *Request) { r.Destination = Location{} },
			want:   ErrLocationUnresolved,
		},
		{
			name:   "no route between stops",
			mutate: func(r *Request) { r.Destination = Location{StopID: "LONELY"} },
			want:   ErrNoTransitOptions,
		},
		{
			name:   "unknown mode",
			mutate: func(r *Request) { r.Mode = "scenic" },
			want:   ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := c.Plan(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *PlanError
			require.True(t, errors.As(err, &pe))
			if tt.endpoint != "" {
				assert.Equal(t, tt.endpoint, pe.Endpoint)
			}
		})
	}
}

func TestPlanGeocodesAddressesOnce(t *testing.T) {
	idx, req := directFixture()
	geo := &fakeGeocoder{results: map[string]*GeocodeResult{
		"1 Main St": {Lat: req.Origin.Coordinates.Lat, Lon: req.Origin.Coordinates.Lon, FormattedAddress: "1 Main Street"},
	}}
	cached := NewCachedGeocoder(geo, 10, time.Hour, logger.Nop())
	c := newComposer(idx, nil, cached, newEngine(t))

	req.Origin = Location{Address: "1 Main St"}
	for i := 0; i < 2; i++ {
		its, err := c.Plan(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "1 Main Street", its[0].Legs[0].From.Name)
	}
	assert.Equal(t, int32(1), geo.calls.Load())
}

func TestNearestStop(t *testing.T) {
	stops := []models.Stop{
		{StopID: "far", StopLat: -37.80, StopLon: 144.97},
		{StopID: "near", StopLat: -37.80, StopLon: 144.961},
	}
	s, d, ok := NearestStop(stops, -37.80, 144.96, 800)
	require.True(t, ok)
	assert.Equal(t, "near", s.StopID)
	assert.InDelta(t, 88, d, 1)

	_, _, ok = NearestStop(stops, -37.80, 144.96, 50)
	assert.False(t, ok)

	_, _, ok = NearestStop(nil, -37.80, 144.96, 800)
	assert.False(t, ok)
}

func TestRankSafe(t *testing.T) {
	risk := planning.TransferRisk{}
	its := []planning.Itinerary{
		{ID: "medium-fast", Reliability: planning.TierMedium, DurationMinutes: 10},
		{ID: "high-risky", Reliability: planning.TierHigh, DurationMinutes: 30, TransferRisks: []planning.TransferRisk{risk}},
		{ID: "high-slow", Reliability: planning.TierHigh, DurationMinutes: 40},
		{ID: "high-quick", Reliability: planning.TierHigh, DurationMinutes: 35},
	}
	Rank(its, ModeSafe)

	var got []string
	for _, it := range its {
		got = append(got, it.ID)
	}
	assert.Equal(t, []string{"high-quick", "high-slow", "high-risky", "medium-fast"}, got)

	Rank(its, ModeFast)
	assert.Equal(t, "medium-fast", its[0].ID)
}
