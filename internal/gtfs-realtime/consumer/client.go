package consumer

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/pkg/gtfs-realtime/models"
)

const (
	endpointArrivals    = "arrivals"
	endpointStopsNearby = "stops_for_location"
	endpointTripDetails = "trip_details"
	endpointAlerts      = "alerts"
)

type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	MaxAttempts       int
	BaseDelay         time.Duration
	StopSpacing       time.Duration
	ArrivalsTTL       time.Duration
	TrackedTTL        time.Duration
	StopsTTL          time.Duration
	AlertsTTL         time.Duration
	DefaultWindow     Window
}

// DefaultConfig holds the documented defaults; BaseURL and APIKey still
// have to be set.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		RequestsPerMinute: 60,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		StopSpacing:       100 * time.Millisecond,
		ArrivalsTTL:       15 * time.Second,
		TrackedTTL:        5 * time.Second,
		StopsTTL:          5 * time.Minute,
		AlertsTTL:         time.Minute,
		DefaultWindow:     Window{MinutesBefore: 5, MinutesAfter: 60},
	}
}

// Window bounds the arrivals returned for a stop, relative to now.
type Window struct {
	MinutesBefore int
	MinutesAfter  int
}

// Client reads the live feed. Reads never fail on missing or unavailable
// data: they return empty results with an Outcome describing why.
type Client struct {
	cfg        Config
	httpClient *http.Client
	mapper     ids.Mapper
	logger     logger.Logger
	metrics    *metrics.Collector
	cache      *feedCache
	limiter    *rateLimiter
	now        func() time.Time
}

func NewClient(cfg Config, mapper ids.Mapper, log logger.Logger, m *metrics.Collector) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		mapper:     mapper,
		logger:     log,
		metrics:    m,
		cache:      newFeedCache(),
		limiter:    newRateLimiter(cfg.RequestsPerMinute, time.Now()),
		now:        time.Now,
	}
}

func (c *Client) checkConfig() error {
	if c.cfg.BaseURL == "" {
		return &ConfigError{Field: "feed base URL"}
	}
	if c.cfg.APIKey == "" {
		return &ConfigError{Field: "feed API key"}
	}
	return nil
}

// cached serves req from the cache or the network. Answers, including
// not-found, are cached for ttl; failures are not. A hit must also be
// younger than ttl, whoever stored it.
func cached[T any](ctx context.Context, c *Client, req request, ttl time.Duration) (T, Outcome) {
	key := req.cacheKey()
	if entry, ok := c.cache.get(key, c.now(), ttl); ok {
		c.metrics.CacheLookup(true)
		return entry.value.(T), entry.outcome
	}
	c.metrics.CacheLookup(false)

	data, outcome := fetchWithRetry[T](ctx, c, req)
	if outcome.HasData() {
		c.cache.set(key, data, outcome, ttl, c.now())
	}
	return data, outcome
}

// Sweep drops expired cache entries.
func (c *Client) Sweep(now time.Time) int {
	n := c.cache.sweep(now)
	c.metrics.CacheSize(n)
	return n
}

// Mapper returns the id mapper used at the feed boundary.
func (c *Client) Mapper() ids.Mapper {
	return c.mapper
}

func (c *Client) GetArrivals(ctx context.Context, stopID string, window Window) ([]models.Arrival, Outcome, error) {
	return c.arrivals(ctx, stopID, window, c.cfg.ArrivalsTTL)
}

func (c *Client) arrivals(ctx context.Context, stopID string, window Window, ttl time.Duration) ([]models.Arrival, Outcome, error) {
	if err := c.checkConfig(); err != nil {
		return []models.Arrival{}, Fatal, err
	}
	if window.MinutesBefore <= 0 && window.MinutesAfter <= 0 {
		window = c.cfg.DefaultWindow
	}
	req := request{
		endpoint: endpointArrivals,
		path:     "/api/where/arrivals-and-departures-for-stop/" + url.PathEscape(c.mapper.ToFeedID(stopID)) + ".json",
		params: url.Values{
			"minutesBefore": {strconv.Itoa(window.MinutesBefore)},
			"minutesAfter":  {strconv.Itoa(window.MinutesAfter)},
		},
	}

	data, outcome := cached[entryData[stopArrivals]](ctx, c, req, ttl)
	if outcome != OK {
		return []models.Arrival{}, emptyOutcome(outcome), nil
	}

	arrivals := make([]models.Arrival, 0, len(data.Entry.ArrivalsAndDepartures))
	for _, ad := range data.Entry.ArrivalsAndDepartures {
		arrivals = append(arrivals, c.toArrival(ad, stopID))
	}
	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivals[i].BestTime().Before(arrivals[j].BestTime())
	})
	if len(arrivals) == 0 {
		return arrivals, Empty, nil
	}
	return arrivals, OK, nil
}

func (c *Client) toArrival(ad arrivalAndDeparture, requestedStop string) models.Arrival {
	a := models.Arrival{
		RouteID:        c.mapper.ToScheduleID(ad.RouteID),
		RouteShortName: ad.RouteShortName,
		TripID:         c.mapper.ToScheduleID(ad.TripID),
		StopID:         c.mapper.ToScheduleID(ad.StopID),
		VehicleID:      c.mapper.ToScheduleID(ad.VehicleID),
		TripHeadsign:   ad.TripHeadsign,
		ScheduledTime:  ad.ScheduledArrivalTime.Time,
		DistanceMeters: ad.DistanceFromStop,
	}
	if a.StopID == "" {
		a.StopID = c.mapper.ToScheduleID(requestedStop)
	}
	if a.ScheduledTime.IsZero() {
		a.ScheduledTime = ad.ScheduledDepartureTime.Time
	}
	predicted := ad.PredictedArrivalTime.Time
	if predicted.IsZero() {
		predicted = ad.PredictedDepartureTime.Time
	}
	if ad.Predicted && !predicted.IsZero() {
		a.PredictedTime = predicted
		a.IsPredicted = true
	}
	if ts := ad.TripStatus; ts != nil {
		a.Position = ts.position()
		a.ScheduleDeviationSec = ts.ScheduleDeviation
		if a.VehicleID == "" {
			a.VehicleID = c.mapper.ToScheduleID(ts.VehicleID)
		}
	}
	return a
}

func (c *Client) GetStopsNearLocation(ctx context.Context, lat, lon, radiusMeters float64) ([]models.NearbyStop, Outcome, error) {
	if err := c.checkConfig(); err != nil {
		return []models.NearbyStop{}, Fatal, err
	}
	req := request{
		endpoint: endpointStopsNearby,
		path:     "/api/where/stops-for-location.json",
		params: url.Values{
			"lat":    {strconv.FormatFloat(lat, 'f', 6, 64)},
			"lon":    {strconv.FormatFloat(lon, 'f', 6, 64)},
			"radius": {strconv.FormatFloat(radiusMeters, 'f', 0, 64)},
		},
	}

	data, outcome := cached[listData[stop]](ctx, c, req, c.cfg.StopsTTL)
	if outcome != OK || len(data.List) == 0 {
		return []models.NearbyStop{}, emptyOutcome(outcome), nil
	}

	stops := make([]models.NearbyStop, 0, len(data.List))
	for _, s := range data.List {
		stops = append(stops, models.NearbyStop{
			StopID:   c.mapper.ToScheduleID(s.ID),
			Code:     s.Code,
			Name:     s.Name,
			Lat:      s.Lat,
			Lon:      s.Lon,
			RouteIDs: c.mapper.ToScheduleIDs(s.RouteIDs),
		})
	}
	return stops, OK, nil
}

// GetTripDetails returns nil when the trip is unknown or unavailable.
func (c *Client) GetTripDetails(ctx context.Context, tripID string) (*models.TripStatus, Outcome, error) {
	return c.tripDetails(ctx, tripID, c.cfg.TrackedTTL)
}

func (c *Client) tripDetails(ctx context.Context, tripID string, ttl time.Duration) (*models.TripStatus, Outcome, error) {
	if err := c.checkConfig(); err != nil {
		return nil, Fatal, err
	}
	req := request{
		endpoint: endpointTripDetails,
		path:     "/api/where/trip-details/" + url.PathEscape(c.mapper.ToFeedID(tripID)) + ".json",
		params:   url.Values{"includeStatus": {"true"}},
	}

	data, outcome := cached[entryData[tripDetails]](ctx, c, req, ttl)
	if outcome != OK {
		return nil, emptyOutcome(outcome), nil
	}
	st := data.Entry.Status
	if st == nil {
		return nil, Empty, nil
	}
	return &models.TripStatus{
		TripID:               c.mapper.ToScheduleID(firstNonEmpty(data.Entry.TripID, st.ActiveTripID, tripID)),
		VehicleID:            c.mapper.ToScheduleID(st.VehicleID),
		Position:             st.position(),
		Bearing:              st.Orientation,
		ScheduleDeviationSec: st.ScheduleDeviation,
		Predicted:            st.Predicted,
		LastUpdate:           st.LastUpdateTime.Time,
	}, OK, nil
}

func (c *Client) GetAlertsForRoute(ctx context.Context, routeID string) ([]models.Alert, Outcome, error) {
	if err := c.checkConfig(); err != nil {
		return []models.Alert{}, Fatal, err
	}
	req := request{
		endpoint: endpointAlerts,
		path:     "/api/where/alerts-for-route/" + url.PathEscape(c.mapper.ToFeedID(routeID)) + ".json",
	}

	data, outcome := cached[listData[situation]](ctx, c, req, c.cfg.AlertsTTL)
	if outcome != OK || len(data.List) == 0 {
		return []models.Alert{}, emptyOutcome(outcome), nil
	}

	route := c.mapper.ToScheduleID(routeID)
	alerts := make([]models.Alert, 0, len(data.List))
	for _, s := range data.List {
		alert := models.Alert{
			ID:          s.ID,
			RouteID:     route,
			Summary:     s.Summary.Value,
			Description: s.Description.Value,
			Severity:    s.Severity,
		}
		if len(s.ActiveWindows) > 0 {
			alert.ActiveFrom = s.ActiveWindows[0].From.Time
			alert.ActiveUntil = s.ActiveWindows[0].To.Time
		}
		alerts = append(alerts, alert)
	}
	return alerts, OK, nil
}

// RoutesForStop lists the routes seen arriving at a stop. It is the live
// fallback for stop to route lookups when stop times are not loaded.
func (c *Client) RoutesForStop(ctx context.Context, stopID string) ([]string, error) {
	arrivals, _, err := c.GetArrivals(ctx, stopID, c.cfg.DefaultWindow)
	if err != nil {
		return nil, err
	}
	routeIDs := make([]string, 0, len(arrivals))
	for _, a := range arrivals {
		routeIDs = append(routeIDs, a.RouteID)
	}
	return c.mapper.ToScheduleIDs(routeIDs), nil
}

// emptyOutcome reports a successful call without data as Empty.
func emptyOutcome(o Outcome) Outcome {
	if o == OK {
		return Empty
	}
	return o
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
