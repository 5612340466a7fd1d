package gtfs_realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/gtfs-realtime/tracking"
	"github.com/tripcore/pkg/gtfs-realtime/models"
	planning "github.com/tripcore/pkg/planning/models"
)

var (
	ErrNotRunning = errors.New("vehicle tracking manager is not running")
	ErrNotTracked = errors.New("route is not being tracked")
)

// VehicleSource answers one poll for one route.
type VehicleSource interface {
	VehiclesForRoute(ctx context.Context, routeID string, opts consumer.VehicleOptions) ([]models.VehiclePosition, consumer.Outcome, error)
}

// Sink receives every non-empty poll result, e.g. a NATS publisher.
type Sink interface {
	PublishPositions(vehicles []models.VehiclePosition) error
}

// ObservationRecorder learns route reliability from live deviations.
type ObservationRecorder interface {
	RecordObservation(routeID string, delayMinutes float64, at time.Time) planning.RouteReliability
}

// SampledSource derives vehicles from arrivals at a few stops spread
// along the route.
type SampledSource struct {
	Client      *consumer.Client
	Stops       func(routeID string) []string
	SampleStops int
}

func (s SampledSource) VehiclesForRoute(ctx context.Context, routeID string, opts consumer.VehicleOptions) ([]models.VehiclePosition, consumer.Outcome, error) {
	var stops []string
	if s.Stops != nil {
		n := s.SampleStops
		if n <= 0 {
			n = 3
		}
		stops = consumer.SpreadSample(s.Stops(routeID), n)
	}
	return s.Client.GetVehiclesForRoute(ctx, routeID, stops, opts)
}

type Config struct {
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
	// ObservationSpacing is the minimum time between two reliability
	// observations of the same vehicle on the same trip.
	ObservationSpacing time.Duration
}

// Update is the result of one poll of a route.
type Update struct {
	RouteID  string                   `json:"routeId"`
	Vehicles []models.VehiclePosition `json:"vehicles"`
	Outcome  consumer.Outcome         `json:"outcome"`
	Phase    tracking.Phase           `json:"phase"`
	NextPoll time.Duration            `json:"nextPollNs"`
	At       time.Time                `json:"at"`
}

// Subscription receives the updates of one route. Only the latest update
// is buffered; a slow reader skips intermediate ones. The channel is
// closed on Unsubscribe or when the manager stops.
type Subscription struct {
	ID      string
	RouteID string
	updates chan Update
}

func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

type RouteStatus struct {
	RouteID     string         `json:"routeId"`
	Phase       tracking.Phase `json:"phase"`
	Priority    string         `json:"priorityVehicleId,omitempty"`
	Subscribers int            `json:"subscribers"`
	LastOutcome string         `json:"lastOutcome,omitempty"`
	LastPoll    time.Time      `json:"lastPoll,omitempty"`
}

// routeTracker is the single poll loop of a route. interval and observed
// belong to the loop goroutine; subs is guarded by Manager.mu.
type routeTracker struct {
	routeID  string
	state    tracking.State
	interval *tracking.AdaptiveInterval
	subs     map[string]*Subscription
	latest   atomic.Pointer[Update]
	observed map[string]time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

type Manager struct {
	config   Config
	logger   logger.Logger
	metrics  *metrics.Collector
	source   VehicleSource
	sink     Sink
	recorder ObservationRecorder

	mu        sync.Mutex
	routes    map[string]*routeTracker
	ctx       context.Context
	isRunning bool
	cancelFn  context.CancelFunc
	now       func() time.Time
}

func NewManager(cfg Config, source VehicleSource, log logger.Logger, m *metrics.Collector) *Manager {
	if cfg.ObservationSpacing <= 0 {
		cfg.ObservationSpacing = 5 * time.Minute
	}
	return &Manager{
		config:  cfg,
		logger:  log,
		metrics: m,
		source:  source,
		routes:  make(map[string]*routeTracker),
		now:     time.Now,
	}
}

// SetSink and SetRecorder must be called before Start.
func (m *Manager) SetSink(s Sink) {
	m.sink = s
}

func (m *Manager) SetRecorder(r ObservationRecorder) {
	m.recorder = r
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("vehicle tracking manager is already running")
	}
	if err := m.validateConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.ctx, m.cancelFn = context.WithCancel(ctx)
	m.isRunning = true
	m.logger.Info("Vehicle tracking manager started",
		"base_interval", m.config.BaseInterval,
		"min_interval", m.config.MinInterval,
		"max_interval", m.config.MaxInterval)

	// cancelling the parent context stops the manager as Stop would
	go func(run context.Context) {
		<-run.Done()
		m.shutdown(run)
	}(m.ctx)
	return nil
}

// Stop cancels every poll loop and waits for in-flight fetches to drain.
func (m *Manager) Stop() {
	m.shutdown(nil)
}

// shutdown stops the current run. A non-nil run only stops the run it
// belongs to, so a stale watcher cannot stop a later Start.
func (m *Manager) shutdown(run context.Context) {
	m.mu.Lock()
	if !m.isRunning || (run != nil && m.ctx != run) {
		m.mu.Unlock()
		return
	}
	m.logger.Info("Stopping vehicle tracking manager", "routes", len(m.routes))
	m.cancelFn()
	trackers := make([]*routeTracker, 0, len(m.routes))
	for _, t := range m.routes {
		trackers = append(trackers, t)
	}
	m.routes = make(map[string]*routeTracker)
	m.isRunning = false
	m.mu.Unlock()

	for _, t := range trackers {
		<-t.done
		m.retire(t)
	}
	m.metrics.SetTrackedRoutes(0)
	m.logger.Info("Vehicle tracking manager stopped")
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// Subscribe joins the poll loop of routeID, starting it if needed.
func (m *Manager) Subscribe(routeID string) (*Subscription, error) {
	if routeID == "" {
		return nil, fmt.Errorf("route id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning || m.ctx.Err() != nil {
		return nil, ErrNotRunning
	}

	t, ok := m.routes[routeID]
	if !ok {
		t = m.startRoute(routeID)
	}
	sub := &Subscription{ID: uuid.NewString(), RouteID: routeID, updates: make(chan Update, 1)}
	t.subs[sub.ID] = sub
	if last := t.latest.Load(); last != nil {
		sub.updates <- *last
	}

	m.logger.Debug("Subscribed to route", "route_id", routeID, "subscription", sub.ID, "subscribers", len(t.subs))
	return sub, nil
}

// Unsubscribe leaves the route's loop. The last subscriber to leave stops
// the loop; Unsubscribe returns once its in-flight fetch has drained.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	t, ok := m.routes[sub.RouteID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := t.subs[sub.ID]; !member {
		m.mu.Unlock()
		return
	}
	delete(t.subs, sub.ID)
	close(sub.updates)
	last := len(t.subs) == 0
	if last {
		delete(m.routes, sub.RouteID)
		t.cancel()
		m.metrics.SetTrackedRoutes(len(m.routes))
	}
	m.mu.Unlock()

	if last {
		<-t.done
		m.retire(t)
		m.logger.Info("Stopped tracking route", "route_id", sub.RouteID)
	}
}

// Follow makes vehicleID the priority vehicle of a tracked route.
func (m *Manager) Follow(routeID, vehicleID string) error {
	t, err := m.tracker(routeID)
	if err != nil {
		return err
	}
	return t.state.Follow(vehicleID)
}

func (m *Manager) Unfollow(routeID string) error {
	t, err := m.tracker(routeID)
	if err != nil {
		return err
	}
	t.state.Unfollow()
	return nil
}

// Latest returns the last update of a tracked route.
func (m *Manager) Latest(routeID string) (Update, bool) {
	t, err := m.tracker(routeID)
	if err != nil {
		return Update{}, false
	}
	if u := t.latest.Load(); u != nil {
		return *u, true
	}
	return Update{}, false
}

func (m *Manager) Status() []RouteStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RouteStatus, 0, len(m.routes))
	for id, t := range m.routes {
		st := RouteStatus{
			RouteID:     id,
			Phase:       t.state.Phase(),
			Priority:    t.state.Priority(),
			Subscribers: len(t.subs),
		}
		if u := t.latest.Load(); u != nil {
			st.LastOutcome = u.Outcome.String()
			st.LastPoll = u.At
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

func (m *Manager) tracker(routeID string) (*routeTracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return nil, ErrNotRunning
	}
	t, ok := m.routes[routeID]
	if !ok {
		return nil, ErrNotTracked
	}
	return t, nil
}

// startRoute must be called with m.mu held.
func (m *Manager) startRoute(routeID string) *routeTracker {
	ctx, cancel := context.WithCancel(m.ctx)
	t := &routeTracker{
		routeID:  routeID,
		interval: tracking.NewAdaptiveInterval(m.config.BaseInterval, m.config.MinInterval, m.config.MaxInterval),
		subs:     make(map[string]*Subscription),
		observed: make(map[string]time.Time),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.state.Start()
	m.routes[routeID] = t
	m.metrics.SetTrackedRoutes(len(m.routes))
	m.logger.Info("Started tracking route", "route_id", routeID)

	go m.poll(ctx, t)
	return t
}

// retire runs after the loop has exited.
func (m *Manager) retire(t *routeTracker) {
	m.mu.Lock()
	for id, sub := range t.subs {
		close(sub.updates)
		delete(t.subs, id)
	}
	m.mu.Unlock()
	t.state.Stop()
	m.metrics.ForgetRoute(t.routeID)
}

func (m *Manager) poll(ctx context.Context, t *routeTracker) {
	defer close(t.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		opts := consumer.VehicleOptions{PriorityVehicleID: t.state.Priority()}
		vehicles, outcome, err := m.source.VehiclesForRoute(ctx, t.routeID, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.Error("Vehicle poll failed", "route_id", t.routeID, "error", err)
			outcome = consumer.Fatal
		}

		next := t.interval.Observe(outcome, len(vehicles))
		m.metrics.SetPollInterval(t.routeID, next)

		update := Update{
			RouteID:  t.routeID,
			Vehicles: vehicles,
			Outcome:  outcome,
			Phase:    t.state.Phase(),
			NextPoll: next,
			At:       m.now(),
		}
		t.latest.Store(&update)
		m.broadcast(t, update)

		if len(vehicles) > 0 {
			m.publish(t, vehicles)
			m.observe(t, vehicles)
		}

		m.logger.Debug("Polled route",
			"route_id", t.routeID,
			"vehicles", len(vehicles),
			"outcome", outcome.String(),
			"next_poll", next)
		timer.Reset(next)
	}
}

func (m *Manager) broadcast(t *routeTracker, u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range t.subs {
		select {
		case sub.updates <- u:
		default:
			// drop the stale update so the newest one fits
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- u:
			default:
			}
		}
	}
}

func (m *Manager) publish(t *routeTracker, vehicles []models.VehiclePosition) {
	if m.sink == nil {
		return
	}
	if err := m.sink.PublishPositions(vehicles); err != nil {
		m.logger.Warn("Failed to publish vehicle positions", "route_id", t.routeID, "error", err)
	}
}

// observe records each vehicle's deviation at most once per
// ObservationSpacing per trip.
func (m *Manager) observe(t *routeTracker, vehicles []models.VehiclePosition) {
	if m.recorder == nil {
		return
	}
	now := m.now()
	for _, v := range vehicles {
		if !v.HasDeviation {
			continue
		}
		key := v.VehicleID + "/" + v.TripID
		if last, ok := t.observed[key]; ok && now.Sub(last) < m.config.ObservationSpacing {
			continue
		}
		t.observed[key] = now
		at := v.ObservedAt
		if at.IsZero() {
			at = now
		}
		m.recorder.RecordObservation(t.routeID, float64(v.ScheduleDeviationSec)/60, at)
	}
	for key, last := range t.observed {
		if now.Sub(last) > 10*m.config.ObservationSpacing {
			delete(t.observed, key)
		}
	}
}

func (m *Manager) validateConfig() error {
	if m.source == nil {
		return fmt.Errorf("a vehicle source is required")
	}
	if m.config.BaseInterval <= 0 {
		return fmt.Errorf("base polling interval must be positive")
	}
	if m.config.MinInterval <= 0 || m.config.MinInterval > m.config.BaseInterval {
		return fmt.Errorf("minimum polling interval must be positive and not above the base interval")
	}
	if m.config.MaxInterval < m.config.BaseInterval {
		return fmt.Errorf("maximum polling interval must not be below the base interval")
	}
	return nil
}
