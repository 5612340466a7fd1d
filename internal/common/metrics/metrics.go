package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tripcore/internal/common/logger"
)

// Collector holds every metric the service exports. A nil *Collector is
// valid and records nothing, so components can run without metrics.
type Collector struct {
	reg *prometheus.Registry

	FeedRequests   *prometheus.CounterVec // endpoint, outcome
	FeedRetries    *prometheus.CounterVec // endpoint
	FeedLatency    *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec // result: hit|miss
	CacheEntries   prometheus.Gauge
	RateLimited    prometheus.Counter
	TrackedRoutes  prometheus.Gauge
	PollInterval   *prometheus.GaugeVec // route
	PlansTotal     *prometheus.CounterVec // result
	ScheduleRows   *prometheus.GaugeVec   // table
	ScheduleSkips  *prometheus.GaugeVec   // table
	NATSPublished  prometheus.Counter
	NATSPublishErr prometheus.Counter
	Observations   prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcore_feed_requests_total",
			Help: "Feed requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		FeedRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcore_feed_retries_total",
			Help: "Retried feed requests by endpoint.",
		}, []string{"endpoint"}),
		FeedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripcore_feed_request_duration_seconds",
			Help:    "Latency of feed requests that reached the network.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcore_feed_cache_lookups_total",
			Help: "Feed cache lookups by result.",
		}, []string{"result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcore_feed_cache_entries",
			Help: "Entries left in the feed cache after the last sweep.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcore_feed_local_rate_limited_total",
			Help: "Requests rejected by the local request budget.",
		}),
		TrackedRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripcore_tracked_routes",
			Help: "Routes with an active vehicle poll loop.",
		}),
		PollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripcore_poll_interval_seconds",
			Help: "Current adaptive poll interval per route.",
		}, []string{"route"}),
		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripcore_plans_total",
			Help: "Trip planning requests by result.",
		}, []string{"result"}),
		ScheduleRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripcore_schedule_rows",
			Help: "Rows installed per schedule table.",
		}, []string{"table"}),
		ScheduleSkips: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tripcore_schedule_skipped_rows",
			Help: "Malformed rows skipped per schedule table in the last load.",
		}, []string{"table"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcore_nats_published_total",
			Help: "Vehicle positions published to NATS.",
		}),
		NATSPublishErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcore_nats_publish_errors_total",
			Help: "NATS publish errors.",
		}),
		Observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripcore_reliability_observations_total",
			Help: "Schedule deviations fed into the reliability table.",
		}),
	}

	reg.MustRegister(
		c.FeedRequests, c.FeedRetries, c.FeedLatency,
		c.CacheLookups, c.CacheEntries, c.RateLimited,
		c.TrackedRoutes, c.PollInterval, c.PlansTotal,
		c.ScheduleRows, c.ScheduleSkips,
		c.NATSPublished, c.NATSPublishErr, c.Observations,
	)

	return c
}

func (c *Collector) FeedRequest(endpoint, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.FeedRequests.WithLabelValues(endpoint, outcome).Inc()
	if took > 0 {
		c.FeedLatency.WithLabelValues(endpoint).Observe(took.Seconds())
	}
}

func (c *Collector) FeedRetry(endpoint string) {
	if c == nil {
		return
	}
	c.FeedRetries.WithLabelValues(endpoint).Inc()
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) CacheSize(n int) {
	if c == nil {
		return
	}
	c.CacheEntries.Set(float64(n))
}

func (c *Collector) LocalRateLimited() {
	if c == nil {
		return
	}
	c.RateLimited.Inc()
}

func (c *Collector) SetTrackedRoutes(n int) {
	if c == nil {
		return
	}
	c.TrackedRoutes.Set(float64(n))
}

func (c *Collector) SetPollInterval(route string, d time.Duration) {
	if c == nil {
		return
	}
	c.PollInterval.WithLabelValues(route).Set(d.Seconds())
}

func (c *Collector) ForgetRoute(route string) {
	if c == nil {
		return
	}
	c.PollInterval.DeleteLabelValues(route)
}

func (c *Collector) Plan(result string) {
	if c == nil {
		return
	}
	c.PlansTotal.WithLabelValues(result).Inc()
}

func (c *Collector) ScheduleTable(table string, rows, skipped int) {
	if c == nil {
		return
	}
	c.ScheduleRows.WithLabelValues(table).Set(float64(rows))
	c.ScheduleSkips.WithLabelValues(table).Set(float64(skipped))
}

func (c *Collector) Published(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.NATSPublishErr.Inc()
		return
	}
	c.NATSPublished.Inc()
}

func (c *Collector) Observation() {
	if c == nil {
		return
	}
	c.Observations.Inc()
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()
	log.Info("Metrics listening", "addr", addr)
	return srv
}
