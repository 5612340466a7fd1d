// Package api serves the schedule, live feed, reliability and planner over
// HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/tripcore/internal/common/logger"
	gtfs_realtime "github.com/tripcore/internal/gtfs-realtime"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/reliability"
	"github.com/tripcore/internal/routing"
	rt "github.com/tripcore/pkg/gtfs-realtime/models"
	"github.com/tripcore/pkg/gtfs-static/models"
	planning "github.com/tripcore/pkg/planning/models"
)

const requestTimeout = 10 * time.Second

type Schedule interface {
	SearchStops(query string) []models.Stop
	GetStopByID(id string) (models.Stop, bool)
	GetRouteByID(id string) (models.Route, bool)
	GetRoutesForStop(ctx context.Context, stopID string) []models.Route
	GetStopsForRoute(routeID string) []models.Stop
	LoadInfo() models.LoadInfo
}

type Feed interface {
	GetArrivals(ctx context.Context, stopID string, window consumer.Window) ([]rt.Arrival, consumer.Outcome, error)
	GetAlertsForRoute(ctx context.Context, routeID string) ([]rt.Alert, consumer.Outcome, error)
}

type Reliability interface {
	GetReliability(routeID string) planning.RouteReliability
	UpsertReliability(routeID string, u reliability.Update) (planning.RouteReliability, error)
	PredictDelay(routeID string, at time.Time) planning.DelayPrediction
}

type Planner interface {
	Plan(ctx context.Context, req routing.Request) ([]planning.Itinerary, error)
}

// Tracker is the live tracking manager. Optional.
type Tracker interface {
	Subscribe(routeID string) (*gtfs_realtime.Subscription, error)
	Unsubscribe(sub *gtfs_realtime.Subscription)
	Follow(routeID, vehicleID string) error
	Unfollow(routeID string) error
	Latest(routeID string) (gtfs_realtime.Update, bool)
	Status() []gtfs_realtime.RouteStatus
}

type Deps struct {
	Schedule    Schedule
	Feed        Feed
	Vehicles    gtfs_realtime.VehicleSource
	Tracker     Tracker
	Reliability Reliability
	Planner     Planner
}

type Config struct {
	Addr        string
	CORSOrigins []string
}

type Server struct {
	deps     Deps
	cfg      Config
	logger   logger.Logger
	validate *validator.Validate
	srv      *http.Server
	now      func() time.Time
}

func NewServer(cfg Config, deps Deps, log logger.Logger) *Server {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   log,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stops/search", s.searchStops)
		r.Get("/stops/{stopId}", s.getStop)
		r.Get("/stops/{stopId}/arrivals", s.getArrivals)
		r.Get("/stops/{stopId}/routes", s.getStopRoutes)

		r.Get("/routes/{routeId}/stops", s.getRouteStops)
		r.Get("/routes/{routeId}/reliability", s.getReliability)
		r.Put("/routes/{routeId}/reliability", s.putReliability)
		r.Get("/routes/{routeId}/delay", s.getDelay)
		r.Get("/routes/{routeId}/vehicles", s.getVehicles)
		r.Get("/routes/{routeId}/alerts", s.getAlerts)
		r.Get("/routes/{routeId}/vehicles/stream", s.streamVehicles)
		r.Put("/routes/{routeId}/follow", s.follow)
		r.Delete("/routes/{routeId}/follow", s.unfollow)

		r.Get("/tracking", s.getTracking)
		r.Post("/plan", s.plan)
	})
	return r
}

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", s.cfg.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down API server")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
