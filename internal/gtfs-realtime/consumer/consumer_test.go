package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
)

type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{hits: map[string]int{}, routes: map[string]http.HandlerFunc{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.hits[r.URL.Path]++
		h, ok := fs.routes[r.URL.Path]
		fs.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) handle(path string, h http.HandlerFunc) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.routes[path] = h
}

func (fs *feedServer) count(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.hits[path]
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":        200,
		"currentTime": time.Now().UnixMilli(),
		"version":     2,
		"data":        data,
	})
}

func arrivalsBody(entries ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"entry": map[string]interface{}{"arrivalsAndDepartures": entries},
	}
}

func arrivalEntry(route, trip, vehicle string, lat, lon float64) map[string]interface{} {
	e := map[string]interface{}{
		"routeId":              route,
		"tripId":               trip,
		"vehicleId":            vehicle,
		"predicted":            true,
		"scheduledArrivalTime": time.Now().Add(5 * time.Minute).UnixMilli(),
		"predictedArrivalTime": time.Now().Add(6 * time.Minute).UnixMilli(),
	}
	if lat != 0 || lon != 0 {
		e["tripStatus"] = map[string]interface{}{
			"vehicleId":         vehicle,
			"position":          map[string]float64{"lat": lat, "lon": lon},
			"scheduleDeviation": 60,
		}
	}
	return e
}

func testClient(t *testing.T, baseURL string, m *metrics.Collector) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.BaseDelay = time.Millisecond
	cfg.StopSpacing = 0
	return NewClient(cfg, ids.NewMapper("1"), logger.Nop(), m)
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Outcome{
		200: OK,
		204: OK,
		404: NotFound,
		429: RateLimited,
		408: Transient,
		500: Transient,
		503: Transient,
		401: Fatal,
		403: Fatal,
		400: Fatal,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func TestOutcomePredicates(t *testing.T) {
	assert.True(t, RateLimited.IsError())
	assert.True(t, Transient.IsError())
	assert.False(t, NotFound.IsError())
	assert.True(t, NotFound.HasData())
	assert.False(t, Fatal.HasData())

	text, err := RateLimited.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", string(text))
}

func TestGetArrivals(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_75403.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		later := arrivalEntry("1_100", "1_t2", "1_v2", 47.6, -122.3)
		later["predictedArrivalTime"] = time.Now().Add(20 * time.Minute).UnixMilli()
		writeJSON(w, arrivalsBody(later, arrivalEntry("1_100", "1_t1", "1_v1", 0, 0)))
	})

	c := testClient(t, fs.URL, nil)
	arrivals, outcome, err := c.GetArrivals(context.Background(), "75403", Window{})
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.Len(t, arrivals, 2)

	assert.Equal(t, "t1", arrivals[0].TripID, "sorted by best time")
	assert.Equal(t, "100", arrivals[0].RouteID)
	assert.Equal(t, "75403", arrivals[0].StopID)
	assert.Nil(t, arrivals[0].Position)
	assert.True(t, arrivals[0].IsPredicted)

	require.NotNil(t, arrivals[1].Position)
	assert.Equal(t, 47.6, arrivals[1].Position.Lat)
	assert.Equal(t, 60, arrivals[1].ScheduleDeviationSec)
	assert.Equal(t, "v2", arrivals[1].VehicleID)
}

func TestGetArrivalsCached(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/arrivals-and-departures-for-stop/1_1.json"
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(arrivalEntry("1_100", "1_t1", "", 0, 0)))
	})

	m := metrics.NewCollector()
	c := testClient(t, fs.URL, m)
	ctx := context.Background()

	_, _, err := c.GetArrivals(ctx, "1", Window{})
	require.NoError(t, err)
	_, outcome, err := c.GetArrivals(ctx, "1_1", Window{})
	require.NoError(t, err)

	assert.Equal(t, OK, outcome)
	assert.Equal(t, 1, fs.count(path))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))

	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, _, err = c.GetArrivals(ctx, "1", Window{})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.count(path), "expired entries are refetched")
}

func TestNotFoundIsCachedAndNotRetried(t *testing.T) {
	fs := newFeedServer(t)
	c := testClient(t, fs.URL, nil)

	arrivals, outcome, err := c.GetArrivals(context.Background(), "missing", Window{})
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)
	assert.Empty(t, arrivals)
	assert.NotNil(t, arrivals)

	_, outcome, _ = c.GetArrivals(context.Background(), "missing", Window{})
	assert.Equal(t, NotFound, outcome)
	assert.Equal(t, 1, fs.count("/api/where/arrivals-and-departures-for-stop/1_missing.json"))
}

func TestRateLimitedIsNotRetried(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/trip-details/1_t1.json"
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := testClient(t, fs.URL, nil)

	status, outcome, err := c.GetTripDetails(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Equal(t, RateLimited, outcome)
	assert.Equal(t, 1, fs.count(path))

	// failures are not cached
	c.GetTripDetails(context.Background(), "t1")
	assert.Equal(t, 2, fs.count(path))
}

func TestTransientIsRetried(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/trip-details/1_t1.json"
	var calls int32
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"entry": map[string]interface{}{
				"tripId": "1_t1",
				"status": map[string]interface{}{
					"vehicleId":         "1_v9",
					"lastKnownLocation": map[string]float64{"lat": 47.1, "lon": -122.1},
					"orientation":       90,
					"predicted":         true,
				},
			},
		})
	})
	m := metrics.NewCollector()
	c := testClient(t, fs.URL, m)

	status, outcome, err := c.GetTripDetails(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.NotNil(t, status)
	assert.Equal(t, "v9", status.VehicleID)
	assert.Equal(t, "t1", status.TripID)
	require.NotNil(t, status.Position)
	assert.Equal(t, 47.1, status.Position.Lat)
	assert.Equal(t, 90.0, status.Bearing)
	assert.Equal(t, 3, fs.count(path))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FeedRetries.WithLabelValues(endpointTripDetails)))
}

func TestTransientExhaustsAttempts(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/alerts-for-route/1_100.json"
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := testClient(t, fs.URL, nil)

	alerts, outcome, err := c.GetAlertsForRoute(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, Transient, outcome)
	assert.Empty(t, alerts)
	assert.Equal(t, 3, fs.count(path))
}

func TestMalformedBodyIsTransient(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/alerts-for-route/1_100.json"
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})
	c := testClient(t, fs.URL, nil)
	c.cfg.MaxAttempts = 1

	_, outcome, err := c.GetAlertsForRoute(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, Transient, outcome)
}

func TestBodyCodeOverridesStatus(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/stops-for-location.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":404,"text":"resource not found","data":null}`))
	})
	c := testClient(t, fs.URL, nil)

	stops, outcome, err := c.GetStopsNearLocation(context.Background(), 47.6, -122.3, 400)
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)
	assert.Empty(t, stops)
}

func TestGetStopsNearLocation(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/stops-for-location.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "400", r.URL.Query().Get("radius"))
		writeJSON(w, map[string]interface{}{
			"list": []map[string]interface{}{
				{"id": "1_10", "name": "Pine St", "lat": 47.61, "lon": -122.33, "routeIds": []string{"1_100", "1_100", "1_8"}},
			},
		})
	})
	c := testClient(t, fs.URL, nil)

	stops, outcome, err := c.GetStopsNearLocation(context.Background(), 47.6, -122.3, 400)
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.Len(t, stops, 1)
	assert.Equal(t, "10", stops[0].StopID)
	assert.Equal(t, []string{"100", "8"}, stops[0].RouteIDs)
}

func TestGetAlertsForRoute(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/alerts-for-route/1_100.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"list": []map[string]interface{}{{
				"id":            "a1",
				"summary":       map[string]string{"value": "Detour"},
				"description":   map[string]string{"value": "Use 3rd Ave"},
				"severity":      "WARNING",
				"activeWindows": []map[string]int64{{"from": 1700000000000, "to": 1700003600000}},
			}},
		})
	})
	c := testClient(t, fs.URL, nil)

	alerts, outcome, err := c.GetAlertsForRoute(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Detour", alerts[0].Summary)
	assert.Equal(t, "100", alerts[0].RouteID)
	assert.Equal(t, time.UnixMilli(1700000000000), alerts[0].ActiveFrom)
}

func TestMissingConfigIsAnError(t *testing.T) {
	c := NewClient(DefaultConfig(), ids.NewMapper(""), logger.Nop(), nil)

	arrivals, outcome, err := c.GetArrivals(context.Background(), "1", Window{})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, Fatal, outcome)
	assert.NotNil(t, arrivals)

	c.cfg.BaseURL = "http://localhost"
	_, _, err = c.GetTripDetails(context.Background(), "t")
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "API key")
}

func TestLocalBudget(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/alerts-for-route/1_1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"list": []interface{}{}})
	})
	fs.handle("/api/where/alerts-for-route/1_2.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"list": []interface{}{}})
	})

	now := time.Now()
	cfg := DefaultConfig()
	cfg.BaseURL = fs.URL
	cfg.APIKey = "k"
	cfg.RequestsPerMinute = 1
	c := NewClient(cfg, ids.NewMapper("1"), logger.Nop(), nil)
	c.limiter = newRateLimiter(1, now)
	c.now = func() time.Time { return now }

	_, outcome, _ := c.GetAlertsForRoute(context.Background(), "1")
	assert.Equal(t, Empty, outcome)
	_, outcome, _ = c.GetAlertsForRoute(context.Background(), "2")
	assert.Equal(t, RateLimited, outcome)
	assert.Equal(t, 0, fs.count("/api/where/alerts-for-route/1_2.json"))

	c.now = func() time.Time { return now.Add(time.Minute) }
	_, outcome, _ = c.GetAlertsForRoute(context.Background(), "2")
	assert.Equal(t, Empty, outcome)
}

func TestRateLimiterUnlimited(t *testing.T) {
	r := newRateLimiter(0, time.Now())
	require.Nil(t, r)
	for i := 0; i < 1000; i++ {
		require.True(t, r.allow(time.Now()))
	}
}

func TestSweep(t *testing.T) {
	c := testClient(t, "http://localhost", nil)
	now := time.Now()
	c.cache.set("a", 1, OK, time.Second, now)
	c.cache.set("b", 2, OK, time.Minute, now)
	c.cache.set("c", 3, OK, 0, now)

	assert.Equal(t, 1, c.Sweep(now.Add(2*time.Second)))
	_, ok := c.cache.get("a", now, 0)
	assert.False(t, ok)
	_, ok = c.cache.get("b", now, 0)
	assert.True(t, ok)
	_, ok = c.cache.get("b", now.Add(10*time.Second), 5*time.Second)
	assert.False(t, ok, "too old for a shorter TTL")
}

func TestTrackedPollRefetchesAgedArrivals(t *testing.T) {
	fs := newFeedServer(t)
	path := "/api/where/arrivals-and-departures-for-stop/1_1.json"
	fs.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(arrivalEntry("1_100", "1_t1", "1_v1", 47.1, -122.1)))
	})

	c := testClient(t, fs.URL, nil)
	start := time.Now()
	c.now = func() time.Time { return start }
	ctx := context.Background()

	_, _, err := c.GetArrivals(ctx, "1", Window{})
	require.NoError(t, err)
	require.Equal(t, 1, fs.count(path))

	c.now = func() time.Time { return start.Add(8 * time.Second) }
	_, _, err = c.GetVehiclesForRoute(ctx, "100", []string{"1"}, VehicleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.count(path), "an untracked poll accepts the 8s old entry")

	vehicles, _, err := c.GetVehiclesForRoute(ctx, "100", []string{"1"}, VehicleOptions{PriorityVehicleID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.count(path), "a tracked poll needs data younger than the tracked TTL")
	require.Len(t, vehicles, 1)
	assert.True(t, vehicles[0].Priority)

	_, _, err = c.GetArrivals(ctx, "1", Window{})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.count(path), "the refreshed entry serves plain lookups")
}

func TestRoutesForStop(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_5.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(
			arrivalEntry("1_8", "1_a", "", 0, 0),
			arrivalEntry("1_100", "1_b", "", 0, 0),
			arrivalEntry("1_8", "1_c", "", 0, 0),
		))
	})
	c := testClient(t, fs.URL, nil)

	routes, err := c.RoutesForStop(context.Background(), "5")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"8", "100"}, routes)
}

func TestGetVehiclesForRoute(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(
			arrivalEntry("1_100", "1_t1", "1_v1", 47.1, -122.1),
			arrivalEntry("1_100", "1_t2", "1_v2", 0, 0),
			arrivalEntry("1_8", "1_t3", "1_v3", 47.3, -122.3),
		))
	})
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_2.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(
			arrivalEntry("1_100", "1_t1", "1_v1", 47.2, -122.2),
			arrivalEntry("1_100", "1_t4", "1_v4", 47.4, -122.4),
		))
	})
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_3.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := testClient(t, fs.URL, nil)
	c.cfg.MaxAttempts = 1

	vehicles, outcome, err := c.GetVehiclesForRoute(context.Background(), "100", []string{"1", "2", "3", "4"}, VehicleOptions{})
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.Len(t, vehicles, 2)
	assert.Equal(t, "v1", vehicles[0].VehicleID)
	assert.Equal(t, 47.1, vehicles[0].Lat, "first sighting wins")
	assert.Equal(t, "v4", vehicles[1].VehicleID)
	for _, v := range vehicles {
		assert.Equal(t, "100", v.RouteID)
		assert.False(t, v.Priority)
	}
	assert.Equal(t, 0, fs.count("/api/where/arrivals-and-departures-for-stop/1_4.json"), "at most three stops sampled")
}

func TestGetVehiclesForRoutePriority(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(arrivalEntry("1_100", "1_t2", "1_v2", 0, 0)))
	})
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_2.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arrivalsBody(arrivalEntry("1_100", "1_t1", "1_v1", 47.2, -122.2)))
	})
	fs.handle("/api/where/trip-details/1_t2.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"entry": map[string]interface{}{
				"tripId": "1_t2",
				"status": map[string]interface{}{
					"vehicleId": "1_v2",
					"position":  map[string]float64{"lat": 47.5, "lon": -122.5},
				},
			},
		})
	})

	c := testClient(t, fs.URL, nil)
	vehicles, outcome, err := c.GetVehiclesForRoute(context.Background(), "100", []string{"1", "2", "3"}, VehicleOptions{PriorityVehicleID: "v2"})
	require.NoError(t, err)
	assert.Equal(t, OK, outcome)
	require.Len(t, vehicles, 2)

	assert.Equal(t, "v2", vehicles[1].VehicleID)
	assert.True(t, vehicles[1].Priority)
	assert.Equal(t, 47.5, vehicles[1].Lat)
	assert.Equal(t, 1, fs.count("/api/where/trip-details/1_t2.json"))
	assert.Equal(t, 0, fs.count("/api/where/arrivals-and-departures-for-stop/1_3.json"), "two stops when following a vehicle")
}

func TestGetVehiclesForRouteRateLimited(t *testing.T) {
	fs := newFeedServer(t)
	fs.handle("/api/where/arrivals-and-departures-for-stop/1_1.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := testClient(t, fs.URL, nil)

	vehicles, outcome, err := c.GetVehiclesForRoute(context.Background(), "100", []string{"1", "2"}, VehicleOptions{})
	require.NoError(t, err)
	assert.Equal(t, RateLimited, outcome)
	assert.Empty(t, vehicles)
	assert.Equal(t, 0, fs.count("/api/where/arrivals-and-departures-for-stop/1_2.json"))
}

func TestGetVehiclesForRouteNoStops(t *testing.T) {
	c := testClient(t, "http://localhost", nil)
	vehicles, outcome, err := c.GetVehiclesForRoute(context.Background(), "100", nil, VehicleOptions{})
	require.NoError(t, err)
	assert.Equal(t, Empty, outcome)
	assert.NotNil(t, vehicles)
}

func TestSpreadSample(t *testing.T) {
	stops := strings.Split("a b c d e f g", " ")
	assert.Equal(t, []string{"a", "d", "g"}, SpreadSample(stops, 3))
	assert.Equal(t, []string{"a", "g"}, SpreadSample(stops, 2))
	assert.Equal(t, []string{"d"}, SpreadSample(stops, 1))
	assert.Equal(t, []string{"a", "b"}, SpreadSample([]string{"a", "b"}, 3))
	assert.Nil(t, SpreadSample(stops, 0))
}
