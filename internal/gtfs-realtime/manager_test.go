package gtfs_realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/gtfs-realtime/tracking"
	"github.com/tripcore/pkg/gtfs-realtime/models"
	planning "github.com/tripcore/pkg/planning/models"
)

type fakeSource struct {
	mu         sync.Mutex
	calls      map[string]int
	priorities []string
	inFlight   int32
	maxFlight  int32
	delay      time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: map[string]int{}}
}

func (f *fakeSource) VehiclesForRoute(ctx context.Context, routeID string, opts consumer.VehicleOptions) ([]models.VehiclePosition, consumer.Outcome, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[routeID]++
	f.priorities = append(f.priorities, opts.PriorityVehicleID)
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return []models.VehiclePosition{
		{VehicleID: "v1", TripID: "t1", RouteID: routeID, Lat: 47.6, Lon: -122.3, ScheduleDeviationSec: 120, HasDeviation: true},
		{VehicleID: "v2", TripID: "t2", RouteID: routeID, Lat: 47.7, Lon: -122.4},
	}, consumer.OK, nil
}

func (f *fakeSource) count(routeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[routeID]
}

func (f *fakeSource) lastPriority() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.priorities) == 0 {
		return ""
	}
	return f.priorities[len(f.priorities)-1]
}

type fakeSink struct{ published int32 }

func (s *fakeSink) PublishPositions(v []models.VehiclePosition) error {
	atomic.AddInt32(&s.published, int32(len(v)))
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	delays []float64
}

func (r *fakeRecorder) RecordObservation(routeID string, delay float64, at time.Time) planning.RouteReliability {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
	return planning.RouteReliability{RouteID: routeID}
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func testConfig() Config {
	return Config{
		BaseInterval:       10 * time.Millisecond,
		MinInterval:        5 * time.Millisecond,
		MaxInterval:        50 * time.Millisecond,
		ObservationSpacing: time.Hour,
	}
}

func startManager(t *testing.T, source VehicleSource) *Manager {
	t.Helper()
	m := NewManager(testConfig(), source, logger.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRequiresStart(t *testing.T) {
	m := NewManager(testConfig(), newFakeSource(), logger.Nop(), nil)
	_, err := m.Subscribe("100")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.False(t, m.IsRunning())
}

func TestManagerValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = time.Second
	m := NewManager(cfg, newFakeSource(), logger.Nop(), nil)
	assert.Error(t, m.Start(context.Background()))

	m = NewManager(testConfig(), nil, logger.Nop(), nil)
	assert.Error(t, m.Start(context.Background()))
}

func TestManagerSubscribeReceivesUpdates(t *testing.T) {
	source := newFakeSource()
	sink := &fakeSink{}
	recorder := &fakeRecorder{}
	m := NewManager(testConfig(), source, logger.Nop(), nil)
	m.SetSink(sink)
	m.SetRecorder(recorder)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	sub, err := m.Subscribe("100")
	require.NoError(t, err)

	select {
	case u := <-sub.Updates():
		assert.Equal(t, "100", u.RouteID)
		assert.Equal(t, consumer.OK, u.Outcome)
		assert.Len(t, u.Vehicles, 2)
		assert.Equal(t, tracking.Polling, u.Phase)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	assert.Eventually(t, func() bool { return source.count("100") >= 3 }, time.Second, 5*time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&sink.published), int32(0))
	assert.Equal(t, 1, recorder.count(), "one observation per vehicle and trip within the spacing")
	recorder.mu.Lock()
	assert.Equal(t, 2.0, recorder.delays[0])
	recorder.mu.Unlock()

	latest, ok := m.Latest("100")
	require.True(t, ok)
	assert.Len(t, latest.Vehicles, 2)
}

func TestManagerSharesLoopPerRoute(t *testing.T) {
	source := newFakeSource()
	source.delay = 2 * time.Millisecond
	m := startManager(t, source)

	a, err := m.Subscribe("100")
	require.NoError(t, err)
	b, err := m.Subscribe("100")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Subscribers)

	assert.Eventually(t, func() bool { return source.count("100") >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&source.maxFlight), "one fetch in flight per route")

	m.Unsubscribe(a)
	_, open := <-a.Updates()
	for open {
		_, open = <-a.Updates()
	}
	assert.Len(t, m.Status(), 1, "loop keeps running for the remaining subscriber")

	m.Unsubscribe(b)
	assert.Empty(t, m.Status())
	calls := source.count("100")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, source.count("100"), "loop stopped after the last subscriber left")
	assert.Zero(t, atomic.LoadInt32(&source.inFlight))

	m.Unsubscribe(b)
}

func TestManagerFollow(t *testing.T) {
	source := newFakeSource()
	m := startManager(t, source)

	assert.ErrorIs(t, m.Follow("100", "v1"), ErrNotTracked)

	sub, err := m.Subscribe("100")
	require.NoError(t, err)
	defer m.Unsubscribe(sub)

	require.NoError(t, m.Follow("100", "v1"))
	assert.Eventually(t, func() bool { return source.lastPriority() == "v1" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, tracking.Following, m.Status()[0].Phase)

	require.NoError(t, m.Unfollow("100"))
	assert.Eventually(t, func() bool { return source.lastPriority() == "" }, time.Second, 5*time.Millisecond)
}

func TestManagerStopClosesSubscriptions(t *testing.T) {
	source := newFakeSource()
	m := NewManager(testConfig(), source, logger.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))

	sub, err := m.Subscribe("100")
	require.NoError(t, err)
	other, err := m.Subscribe("8")
	require.NoError(t, err)

	m.Stop()
	assert.False(t, m.IsRunning())
	for _, s := range []*Subscription{sub, other} {
		for range s.Updates() {
		}
	}
	m.Unsubscribe(sub)
	m.Stop()
}

func TestManagerStopsWithParentContext(t *testing.T) {
	m := NewManager(testConfig(), newFakeSource(), logger.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))

	sub, err := m.Subscribe("100")
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return !m.IsRunning() }, time.Second, 5*time.Millisecond)
	for range sub.Updates() {
	}

	_, err = m.Subscribe("100")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, m.Status())

	require.NoError(t, m.Start(context.Background()), "a stopped manager can start again")
	t.Cleanup(m.Stop)
	again, err := m.Subscribe("100")
	require.NoError(t, err)
	select {
	case _, ok := <-again.Updates():
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no update after restart")
	}
}

func TestSampledSourceSpreadsStops(t *testing.T) {
	var requested []string
	src := SampledSource{
		Stops: func(routeID string) []string {
			requested = append(requested, routeID)
			return []string{"a", "b", "c", "d", "e"}
		},
		SampleStops: 3,
		Client:      consumer.NewClient(consumer.DefaultConfig(), idsMapper(), logger.Nop(), nil),
	}
	_, outcome, err := src.VehiclesForRoute(context.Background(), "100", consumer.VehicleOptions{})
	var cfgErr *consumer.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, consumer.Fatal, outcome)
	assert.Equal(t, []string{"100"}, requested)
}

func idsMapper() ids.Mapper {
	return ids.NewMapper("1")
}
