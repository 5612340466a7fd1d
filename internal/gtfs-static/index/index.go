// Package index holds the in-memory schedule tables and answers stop and
// route queries against them.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/gtfs-static/parser"
	"github.com/tripcore/pkg/gtfs-static/models"
)

// RouteFallback resolves the routes serving a stop from the live feed. It
// is consulted when the loaded stop times say nothing about the stop.
type RouteFallback func(ctx context.Context, stopID string) ([]string, error)

// PartialFailure is returned by Load when some tables could not be parsed.
// The tables that did parse are installed regardless.
type PartialFailure struct {
	Failed map[string]error
	Info   models.LoadInfo
}

func (e *PartialFailure) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failed[name]))
	}
	return "partial schedule load: " + strings.Join(parts, "; ")
}

func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// snapshot is immutable once built.
type snapshot struct {
	tables       models.Tables
	routesByID   map[string]int
	stopsByID    map[string]int
	tripsByID    map[string]int
	tripsByRoute map[string][]int
	tripVisits   map[string][]int // trip -> stop time rows ordered by sequence
	stopsByRoute map[string][]string
	routesByStop map[string][]string
	info         models.LoadInfo
}

type Index struct {
	parser   *parser.Parser
	mapper   ids.Mapper
	fallback RouteFallback
	logger   logger.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	snap atomic.Pointer[snapshot]
}

func New(p *parser.Parser, mapper ids.Mapper, fallback RouteFallback, log logger.Logger, m *metrics.Collector) *Index {
	idx := &Index{
		parser:   p,
		mapper:   mapper,
		fallback: fallback,
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}
	idx.snap.Store(buildSnapshot(models.Tables{}, models.LoadInfo{Skipped: map[string]int{}}))
	return idx
}

type tableResult struct {
	skipped int
	err     error
}

// Load parses the four tables and installs them as one snapshot. A nil
// reader means the table was not supplied and loads as empty. Tables that
// fail to parse load as empty and are reported in a *PartialFailure.
func (i *Index) Load(routes, stops, trips, stopTimes io.Reader) (models.LoadInfo, error) {
	var (
		tables  models.Tables
		results = make(map[string]*tableResult, 4)
		wg      sync.WaitGroup
	)

	run := func(name string, r io.Reader, parse func(io.Reader) (int, error)) {
		res := &tableResult{}
		results[name] = res
		if r == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					res.err = fmt.Errorf("parser panic: %v", rec)
				}
			}()
			res.skipped, res.err = parse(r)
		}()
	}

	run(models.TableRoutes, routes, func(r io.Reader) (n int, err error) {
		tables.Routes, n, err = i.parser.ParseRoutes(r)
		return
	})
	run(models.TableStops, stops, func(r io.Reader) (n int, err error) {
		tables.Stops, n, err = i.parser.ParseStops(r)
		return
	})
	run(models.TableTrips, trips, func(r io.Reader) (n int, err error) {
		tables.Trips, n, err = i.parser.ParseTrips(r)
		return
	})
	run(models.TableStopTimes, stopTimes, func(r io.Reader) (n int, err error) {
		tables.StopTimes, n, err = i.parser.ParseStopTimes(r)
		return
	})
	wg.Wait()

	info := models.LoadInfo{Skipped: make(map[string]int, 4)}
	failed := make(map[string]error)
	for name, res := range results {
		info.Skipped[name] = res.skipped
		if res.err != nil {
			failed[name] = res.err
			i.logger.Error("Schedule table failed to load", "table", name, "error", res.err)
		}
	}
	if _, bad := failed[models.TableRoutes]; bad {
		tables.Routes = nil
	}
	if _, bad := failed[models.TableStops]; bad {
		tables.Stops = nil
	}
	if _, bad := failed[models.TableTrips]; bad {
		tables.Trips = nil
	}
	if _, bad := failed[models.TableStopTimes]; bad {
		tables.StopTimes = nil
	}

	info = i.install(tables, info)

	if len(failed) > 0 {
		return info, &PartialFailure{Failed: failed, Info: info}
	}
	return info, nil
}

// Install replaces the tables with an already parsed set, as restored from
// a persisted snapshot. loadedAt is when the set was originally loaded; zero
// means now.
func (i *Index) Install(tables models.Tables, loadedAt time.Time) models.LoadInfo {
	return i.install(tables, models.LoadInfo{LoadedAt: loadedAt, Skipped: map[string]int{}})
}

func (i *Index) install(tables models.Tables, info models.LoadInfo) models.LoadInfo {
	if info.LoadedAt.IsZero() {
		info.LoadedAt = i.now()
	}
	info.Routes = len(tables.Routes)
	info.Stops = len(tables.Stops)
	info.Trips = len(tables.Trips)
	info.StopTimes = len(tables.StopTimes)

	s := buildSnapshot(tables, info)
	i.snap.Store(s)

	i.metrics.ScheduleTable(models.TableRoutes, info.Routes, info.Skipped[models.TableRoutes])
	i.metrics.ScheduleTable(models.TableStops, info.Stops, info.Skipped[models.TableStops])
	i.metrics.ScheduleTable(models.TableTrips, info.Trips, info.Skipped[models.TableTrips])
	i.metrics.ScheduleTable(models.TableStopTimes, info.StopTimes, info.Skipped[models.TableStopTimes])

	i.logger.Info("Schedule installed",
		"routes", info.Routes,
		"stops", info.Stops,
		"trips", info.Trips,
		"stop_times", info.StopTimes,
		"skipped", info.TotalSkipped())
	return info
}

func buildSnapshot(tables models.Tables, info models.LoadInfo) *snapshot {
	s := &snapshot{
		tables:       tables,
		routesByID:   make(map[string]int, len(tables.Routes)),
		stopsByID:    make(map[string]int, len(tables.Stops)),
		tripsByID:    make(map[string]int, len(tables.Trips)),
		tripsByRoute: make(map[string][]int),
		tripVisits:   make(map[string][]int),
		stopsByRoute: make(map[string][]string),
		routesByStop: make(map[string][]string),
		info:         info,
	}
	for n, r := range tables.Routes {
		s.routesByID[r.RouteID] = n
	}
	for n, st := range tables.Stops {
		s.stopsByID[st.StopID] = n
	}
	for n, t := range tables.Trips {
		s.tripsByID[t.TripID] = n
		s.tripsByRoute[t.RouteID] = append(s.tripsByRoute[t.RouteID], n)
	}
	for n, st := range tables.StopTimes {
		s.tripVisits[st.TripID] = append(s.tripVisits[st.TripID], n)
	}
	for _, rows := range s.tripVisits {
		sort.Slice(rows, func(a, b int) bool {
			return tables.StopTimes[rows[a]].StopSequence < tables.StopTimes[rows[b]].StopSequence
		})
	}

	// adjacency in first-visit order, trips taken in table order
	routeSeen := make(map[string]map[string]struct{})
	stopSeen := make(map[string]map[string]struct{})
	for _, t := range tables.Trips {
		for _, row := range s.tripVisits[t.TripID] {
			stopID := tables.StopTimes[row].StopID
			if routeSeen[t.RouteID] == nil {
				routeSeen[t.RouteID] = make(map[string]struct{})
			}
			if _, ok := routeSeen[t.RouteID][stopID]; !ok {
				routeSeen[t.RouteID][stopID] = struct{}{}
				s.stopsByRoute[t.RouteID] = append(s.stopsByRoute[t.RouteID], stopID)
			}
			if stopSeen[stopID] == nil {
				stopSeen[stopID] = make(map[string]struct{})
			}
			if _, ok := stopSeen[stopID][t.RouteID]; !ok {
				stopSeen[stopID][t.RouteID] = struct{}{}
				s.routesByStop[stopID] = append(s.routesByStop[stopID], t.RouteID)
			}
		}
	}
	return s
}

func (i *Index) current() *snapshot {
	return i.snap.Load()
}

func (i *Index) GetRouteByID(id string) (models.Route, bool) {
	s := i.current()
	n, ok := s.routesByID[i.mapper.ToScheduleID(id)]
	if !ok {
		return models.Route{}, false
	}
	return s.tables.Routes[n], true
}

func (i *Index) GetStopByID(id string) (models.Stop, bool) {
	s := i.current()
	n, ok := s.stopsByID[i.mapper.ToScheduleID(id)]
	if !ok {
		return models.Stop{}, false
	}
	return s.tables.Stops[n], true
}

// SearchStops matches the query case-insensitively against stop names and
// codes. Results keep table order.
func (i *Index) SearchStops(query string) []models.Stop {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []models.Stop{}
	}
	s := i.current()
	out := []models.Stop{}
	for _, st := range s.tables.Stops {
		if strings.Contains(strings.ToLower(st.StopName), q) || strings.Contains(strings.ToLower(st.StopCode), q) {
			out = append(out, st)
		}
	}
	return out
}

// GetStopsForRoute returns the distinct stops visited by the route's
// trips, in first-visit order.
func (i *Index) GetStopsForRoute(routeID string) []models.Stop {
	s := i.current()
	stopIDs := s.stopsByRoute[i.mapper.ToScheduleID(routeID)]
	out := make([]models.Stop, 0, len(stopIDs))
	for _, id := range stopIDs {
		if n, ok := s.stopsByID[id]; ok {
			out = append(out, s.tables.Stops[n])
		}
	}
	return out
}

// GetRoutesForStop returns the routes whose trips visit the stop. When the
// loaded stop times have no visit to the stop (including when the table
// was not loaded at all) the live fallback is asked exactly once.
func (i *Index) GetRoutesForStop(ctx context.Context, stopID string) []models.Route {
	s := i.current()
	id := i.mapper.ToScheduleID(stopID)
	if routeIDs, ok := s.routesByStop[id]; ok {
		return s.resolveRoutes(routeIDs)
	}
	if i.fallback == nil {
		return []models.Route{}
	}

	routeIDs, err := i.fallback(ctx, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			i.logger.Warn("Route fallback failed", "stop_id", id, "error", err)
		}
		return []models.Route{}
	}
	return s.resolveRoutes(i.mapper.ToScheduleIDs(routeIDs))
}

func (s *snapshot) resolveRoutes(routeIDs []string) []models.Route {
	out := make([]models.Route, 0, len(routeIDs))
	for _, id := range routeIDs {
		if n, ok := s.routesByID[id]; ok {
			out = append(out, s.tables.Routes[n])
			continue
		}
		out = append(out, models.Route{RouteID: id})
	}
	return out
}

// NeedsRefresh reports whether a schedule loaded at lastLoad is older than
// maxAge. A zero lastLoad always needs a refresh.
func (i *Index) NeedsRefresh(lastLoad time.Time, maxAge time.Duration) bool {
	if lastLoad.IsZero() {
		return true
	}
	return i.now().Sub(lastLoad) >= maxAge
}

// Stops returns every loaded stop. Callers must not modify the slice.
func (i *Index) Stops() []models.Stop {
	return i.current().tables.Stops
}

// Routes returns every loaded route. Callers must not modify the slice.
func (i *Index) Routes() []models.Route {
	return i.current().tables.Routes
}

func (i *Index) TripsForRoute(routeID string) []models.Trip {
	s := i.current()
	rows := s.tripsByRoute[i.mapper.ToScheduleID(routeID)]
	out := make([]models.Trip, 0, len(rows))
	for _, n := range rows {
		out = append(out, s.tables.Trips[n])
	}
	return out
}

func (i *Index) GetTripByID(id string) (models.Trip, bool) {
	s := i.current()
	n, ok := s.tripsByID[i.mapper.ToScheduleID(id)]
	if !ok {
		return models.Trip{}, false
	}
	return s.tables.Trips[n], true
}

// StopTimesForTrip returns the trip's stop visits ordered by sequence.
func (i *Index) StopTimesForTrip(tripID string) []models.StopTime {
	s := i.current()
	rows := s.tripVisits[i.mapper.ToScheduleID(tripID)]
	out := make([]models.StopTime, 0, len(rows))
	for _, n := range rows {
		out = append(out, s.tables.StopTimes[n])
	}
	return out
}

// HasStopTimes reports whether the stop-times table is loaded.
func (i *Index) HasStopTimes() bool {
	return len(i.current().tables.StopTimes) > 0
}

// Tables returns the installed tables, for persisting a snapshot.
func (i *Index) Tables() models.Tables {
	return i.current().tables
}

func (i *Index) LoadInfo() models.LoadInfo {
	return i.current().info
}
