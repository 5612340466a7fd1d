package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tripcore/internal/api"
	"github.com/tripcore/internal/common/config"
	"github.com/tripcore/internal/common/db"
	"github.com/tripcore/internal/common/discord"
	"github.com/tripcore/internal/common/ids"
	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/maintenance"
	"github.com/tripcore/internal/common/metrics"
	"github.com/tripcore/internal/geocode"
	gtfs_realtime "github.com/tripcore/internal/gtfs-realtime"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
	"github.com/tripcore/internal/gtfs-realtime/processor"
	"github.com/tripcore/internal/gtfs-realtime/publisher"
	"github.com/tripcore/internal/gtfs-static/importer"
	"github.com/tripcore/internal/gtfs-static/index"
	"github.com/tripcore/internal/gtfs-static/parser"
	"github.com/tripcore/internal/gtfs-static/scraper"
	"github.com/tripcore/internal/reliability"
	"github.com/tripcore/internal/routing"
	"github.com/tripcore/pkg/gtfs-static/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.LoggerConfig{
		Level:           logger.ParseLogLevel(cfg.Logging.Level),
		Console:         true,
		File:            cfg.Logging.FilePath != "",
		FilePath:        cfg.Logging.FilePath,
		MaxSizeMB:       10,
		MaxBackups:      5,
		MaxAgeDays:      30,
		Compress:        true,
		TimeFieldFormat: time.RFC3339,
		DiscordURL:      cfg.Logging.DiscordWebhookURL,
	})

	log.Info("Trip service starting",
		"log_level", cfg.Logging.Level,
		"db_driver", cfg.Database.Driver,
		"static_url", cfg.GTFSStatic.URL,
		"http_addr", cfg.HTTP.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector()
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.Metrics.Addr != "" {
		metricsSrv = m.Serve(cfg.Metrics.Addr, log)
	}

	database, err := db.New(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to create schema", "error", err)
	}
	kv := db.NewKVStore(database)
	versions := db.NewVersionChecker(database)

	mapper := ids.NewMapper(cfg.Feed.AgencyID)
	feed := consumer.NewClient(feedConfig(cfg.Feed), mapper, log, m)

	p := parser.New(log)
	idx := index.New(p, mapper, feed.RoutesForStop, log, m)
	imp := importer.NewImporter(idx, p, kv, log, importer.Options{SkipStopTimes: cfg.GTFSStatic.SkipStopTimes})
	if info, ok, err := imp.RestoreSnapshot(ctx); err != nil {
		log.Warn("Schedule snapshot unusable", "error", err)
	} else if ok {
		log.Info("Schedule restored from snapshot", "loaded_at", info.LoadedAt)
	}

	loc, err := cfg.Reliability.Location()
	if err != nil {
		log.Fatal("Invalid reliability timezone", "error", err)
	}
	engine := reliability.New(kv, loc, mapper, log, m)
	if cfg.Reliability.SeedFile != "" {
		n, err := engine.LoadSeedFile(cfg.Reliability.SeedFile)
		if err != nil {
			log.Fatal("Failed to load reliability seed", "path", cfg.Reliability.SeedFile, "error", err)
		}
		log.Info("Reliability seed loaded", "routes", n)
	}
	if n, err := engine.Restore(ctx); err != nil {
		log.Warn("Reliability restore failed", "error", err)
	} else if n > 0 {
		log.Info("Reliability records restored", "routes", n)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, cfg.Reliability.FlushInterval)
	}()

	cleanup := maintenance.NewCleanupScheduler(maintenance.Tasks{
		Cache:       feed,
		Reliability: engine,
		Versions:    versions,
		Vacuum:      database,
	}, log, maintenance.SchedulerConfig{SweepInterval: cfg.Maintenance.SweepInterval})
	if err := cleanup.Start(ctx); err != nil {
		log.Fatal("Failed to start cleanup scheduler", "error", err)
	}

	if cfg.GTFSStatic.URL != "" {
		sched := scraper.NewScheduler(scraper.Config{
			URL:           cfg.GTFSStatic.URL,
			SourceName:    "static",
			CheckInterval: cfg.GTFSStatic.CheckInterval,
			MaxAge:        cfg.GTFSStatic.MaxAge,
			DownloadDir:   cfg.GTFSStatic.DownloadDir,
		}, versions, &lockingImporter{imp: imp, cleanup: cleanup, log: log}, idx, discord.NewClient(cfg.Logging.DiscordWebhookURL), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Start(ctx); err != nil {
				log.Error("GTFS-Static scheduler error", "error", err)
			}
		}()
	} else {
		log.Info("GTFS-Static scheduler disabled (no URL provided)")
	}

	var source gtfs_realtime.VehicleSource
	if cfg.GTFSRealtime.VehiclePositionsURL != "" {
		source = processor.NewProcessor(processor.Config{
			URL:          cfg.GTFSRealtime.VehiclePositionsURL,
			APIKey:       cfg.Feed.APIKey,
			APIKeyHeader: cfg.GTFSRealtime.APIKeyHeader,
		}, mapper, log, m)
	} else {
		source = gtfs_realtime.SampledSource{
			Client: feed,
			Stops: func(routeID string) []string {
				stops := idx.GetStopsForRoute(routeID)
				out := make([]string, 0, len(stops))
				for _, s := range stops {
					out = append(out, s.StopID)
				}
				return out
			},
			SampleStops: cfg.GTFSRealtime.SampleStops,
		}
	}

	manager := gtfs_realtime.NewManager(gtfs_realtime.Config{
		BaseInterval: cfg.GTFSRealtime.BaseInterval,
		MinInterval:  cfg.GTFSRealtime.MinInterval,
		MaxInterval:  cfg.GTFSRealtime.MaxInterval,
	}, source, log, m)
	manager.SetRecorder(engine)

	var pub *publisher.NATSPublisher
	if cfg.NATS.URL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log, m)
		if err != nil {
			log.Error("NATS publisher disabled", "error", err)
		} else {
			manager.SetSink(pub)
		}
	}
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start tracking manager", "error", err)
	}

	var geocoder routing.Geocoder
	if cfg.Geocoder.URL != "" {
		nominatim := geocode.New(geocode.Config{URL: cfg.Geocoder.URL, UserAgent: cfg.Geocoder.UserAgent}, log)
		geocoder = routing.NewCachedGeocoder(nominatim, cfg.Geocoder.CacheSize, cfg.Geocoder.CacheTTL, log)
	}
	composer := routing.NewComposer(idx, feed, geocoder, engine, log, m)
	composer.SetLimits(cfg.Planner.MaxWalkMeters, cfg.Planner.MaxResults)

	srv := api.NewServer(api.Config{Addr: cfg.HTTP.Addr, CORSOrigins: cfg.HTTP.CORSOrigins}, api.Deps{
		Schedule:    idx,
		Feed:        feed,
		Vehicles:    source,
		Tracker:     manager,
		Reliability: engine,
		Planner:     composer,
	}, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("HTTP server error", "error", err)
		stop()
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	manager.Stop()
	cleanup.Stop()
	wg.Wait()
	if pub != nil {
		pub.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	log.Info("Trip service stopped")
}

func feedConfig(c config.FeedConfig) consumer.Config {
	fc := consumer.DefaultConfig()
	fc.BaseURL = c.BaseURL
	fc.APIKey = c.APIKey
	fc.Timeout = c.Timeout
	fc.RequestsPerMinute = c.RequestsPerMinute
	fc.MaxAttempts = c.MaxAttempts
	fc.BaseDelay = c.BaseDelay
	fc.StopSpacing = c.StopSpacing
	fc.ArrivalsTTL = c.ArrivalsTTL
	fc.TrackedTTL = c.TrackedTTL
	fc.DefaultWindow = consumer.Window{MinutesBefore: c.MinutesBefore, MinutesAfter: c.MinutesAfter}
	return fc
}

// lockingImporter holds off static cleanup while a new schedule installs.
type lockingImporter struct {
	imp     *importer.Importer
	cleanup *maintenance.CleanupScheduler
	log     logger.Logger
}

func (l *lockingImporter) Import(ctx context.Context, path string, source models.SourceMetadata) (models.LoadInfo, error) {
	l.cleanup.LockForImport()
	info, err := l.imp.Import(ctx, path, source)
	if err != nil {
		l.cleanup.UnlockAfterImport()
		return info, err
	}
	if err := l.cleanup.AfterImport(ctx); err != nil {
		l.log.Warn("Post-import maintenance failed", "error", err)
	}
	return info, nil
}
