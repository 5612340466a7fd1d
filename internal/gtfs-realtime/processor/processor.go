// Package processor reads a GTFS-Realtime vehicle positions feed and turns
// it into vehicle positions for one route at a time.
package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/pkg/gtfs-realtime/models"
	"google.golang.org/protobuf/proto"
)

const (
	endpointVehiclePositions = "gtfs_rt_vehicle_positions"
	maxFeedBytes             = 32 << 20
)

type Config struct {
	URL          string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	// MaxAge is how long a fetched feed serves every route before it is
	// fetched again.
	MaxAge time.Duration
}

type Processor struct {
	config     Config
	httpClient *http.Client
	mapper     ids.Mapper
	logger     logger.Logger
	metrics    *metrics.Collector

	mu        sync.Mutex
	last      *gtfs.FeedMessage
	lastFetch time.Time
	now       func() time.Time
}

type ProcessorStats struct {
	Entities         int
	VehiclePositions int
	TripUpdates      int
	FeedTimestamp    time.Time
}

func NewProcessor(cfg Config, mapper ids.Mapper, log logger.Logger, m *metrics.Collector) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	return &Processor{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		mapper:     mapper,
		logger:     log,
		metrics:    m,
		now:        time.Now,
	}
}

// Decode parses one protobuf FeedMessage.
func Decode(body []byte) (*gtfs.FeedMessage, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	return feed, nil
}

// fetch returns the cached feed while it is fresh; otherwise it downloads
// a new one. Concurrent callers share one download.
func (p *Processor) fetch(ctx context.Context) (*gtfs.FeedMessage, consumer.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && p.now().Sub(p.lastFetch) < p.config.MaxAge {
		p.metrics.CacheLookup(true)
		return p.last, consumer.OK
	}
	p.metrics.CacheLookup(false)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		p.logger.Error("Failed to create feed request", "url", p.config.URL, "error", err)
		return nil, consumer.Fatal
	}
	req.Header.Set("User-Agent", consumer.UserAgent)
	req.Header.Set("Accept", "application/x-protobuf")
	if p.config.APIKey != "" && p.config.APIKeyHeader != "" {
		req.Header.Set(p.config.APIKeyHeader, p.config.APIKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("Vehicle positions request failed", "error", err)
		p.metrics.FeedRequest(endpointVehiclePositions, consumer.Transient.String(), time.Since(start))
		return nil, consumer.Transient
	}
	defer resp.Body.Close()

	outcome := consumer.ClassifyStatus(resp.StatusCode)
	if outcome != consumer.OK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		p.metrics.FeedRequest(endpointVehiclePositions, outcome.String(), time.Since(start))
		if outcome == consumer.Fatal {
			p.logger.Warn("Vehicle positions feed rejected request", "status", resp.StatusCode)
		}
		return nil, outcome
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		p.metrics.FeedRequest(endpointVehiclePositions, consumer.Transient.String(), time.Since(start))
		return nil, consumer.Transient
	}
	feed, err := Decode(body)
	if err != nil {
		p.logger.Warn("Failed to decode vehicle positions feed", "error", err)
		p.metrics.FeedRequest(endpointVehiclePositions, consumer.Transient.String(), time.Since(start))
		return nil, consumer.Transient
	}

	p.metrics.FeedRequest(endpointVehiclePositions, consumer.OK.String(), time.Since(start))
	p.last, p.lastFetch = feed, p.now()

	stats := Stats(feed)
	p.logger.Debug("Fetched vehicle positions feed",
		"entities", stats.Entities,
		"vehicle_positions", stats.VehiclePositions,
		"trip_updates", stats.TripUpdates)
	return feed, consumer.OK
}

// VehiclesForRoute reads the vehicles of one route from the feed. The
// priority vehicle is flagged; every vehicle in the feed carries its own
// position, so no extra calls are needed.
func (p *Processor) VehiclesForRoute(ctx context.Context, routeID string, opts consumer.VehicleOptions) ([]models.VehiclePosition, consumer.Outcome, error) {
	if p.config.URL == "" {
		return []models.VehiclePosition{}, consumer.Fatal, &consumer.ConfigError{Field: "vehicle positions URL"}
	}
	feed, outcome := p.fetch(ctx)
	if outcome != consumer.OK {
		return []models.VehiclePosition{}, outcome, nil
	}
	vehicles := p.Convert(feed, routeID, opts.PriorityVehicleID)
	if len(vehicles) == 0 {
		return vehicles, consumer.Empty, nil
	}
	return vehicles, consumer.OK, nil
}

// Convert extracts the positioned vehicles of routeID. Delays come from
// trip updates in the same message when the producer includes them.
func (p *Processor) Convert(feed *gtfs.FeedMessage, routeID, priorityVehicleID string) []models.VehiclePosition {
	route := p.mapper.ToScheduleID(routeID)
	priority := p.mapper.ToScheduleID(priorityVehicleID)
	delays := tripDelays(feed, p.mapper)

	observed := p.now()
	if ts := feed.GetHeader().GetTimestamp(); ts > 0 {
		observed = time.Unix(int64(ts), 0)
	}

	seen := make(map[string]bool)
	out := make([]models.VehiclePosition, 0)
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || entity.GetIsDeleted() || vp.GetPosition() == nil {
			continue
		}
		trip := vp.GetTrip()
		if p.mapper.ToScheduleID(trip.GetRouteId()) != route {
			continue
		}

		vehicleID := p.mapper.ToScheduleID(vp.GetVehicle().GetId())
		if vehicleID == "" {
			vehicleID = p.mapper.ToScheduleID(entity.GetId())
		}
		if vehicleID == "" || seen[vehicleID] {
			continue
		}

		pos := vp.GetPosition()
		if pos.GetLatitude() == 0 && pos.GetLongitude() == 0 {
			continue
		}
		seen[vehicleID] = true

		tripID := p.mapper.ToScheduleID(trip.GetTripId())
		v := models.VehiclePosition{
			VehicleID: vehicleID,
			TripID:    tripID,
			RouteID:   route,
			Lat:       float64(pos.GetLatitude()),
			Lon:       float64(pos.GetLongitude()),
			Bearing:   float64(pos.GetBearing()),
			Priority:  vehicleID == priority,
			Source:    models.SourceGTFSRT,
		}
		if d, ok := delays[tripID]; ok {
			v.ScheduleDeviationSec = d
			v.HasDeviation = true
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			v.ObservedAt = time.Unix(int64(ts), 0)
		} else {
			v.ObservedAt = observed
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

// tripDelays maps trip id to the most recent delay reported for it: the
// trip-level delay when set, else the last stop time update carrying one.
func tripDelays(feed *gtfs.FeedMessage, mapper ids.Mapper) map[string]int {
	delays := make(map[string]int)
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil || tu.GetTrip().GetTripId() == "" {
			continue
		}
		tripID := mapper.ToScheduleID(tu.GetTrip().GetTripId())
		if tu.Delay != nil {
			delays[tripID] = int(tu.GetDelay())
			continue
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			switch {
			case stu.GetArrival() != nil && stu.GetArrival().Delay != nil:
				delays[tripID] = int(stu.GetArrival().GetDelay())
			case stu.GetDeparture() != nil && stu.GetDeparture().Delay != nil:
				delays[tripID] = int(stu.GetDeparture().GetDelay())
			}
		}
	}
	return delays
}

// Stats counts what a feed message carries.
func Stats(feed *gtfs.FeedMessage) ProcessorStats {
	stats := ProcessorStats{Entities: len(feed.GetEntity())}
	if ts := feed.GetHeader().GetTimestamp(); ts > 0 {
		stats.FeedTimestamp = time.Unix(int64(ts), 0)
	}
	for _, entity := range feed.GetEntity() {
		if entity.GetVehicle() != nil {
			stats.VehiclePositions++
		}
		if entity.GetTripUpdate() != nil {
			stats.TripUpdates++
		}
	}
	return stats
}
