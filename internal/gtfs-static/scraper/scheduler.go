package scraper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/pkg/gtfs-static/models"
)

type GTFSScheduler struct {
	config          Config
	metadataFetcher MetadataFetcher
	versionChecker  VersionChecker
	downloader      Downloader
	importer        Importer
	freshness       Freshness
	notifier        Notifier
	logger          logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

type Config struct {
	URL           string
	SourceName    string
	CheckInterval time.Duration
	MaxAge        time.Duration
	DownloadDir   string
}

func NewScheduler(
	config Config,
	versionChecker VersionChecker,
	importer Importer,
	freshness Freshness,
	notifier Notifier,
	logger logger.Logger,
) *GTFSScheduler {
	return &GTFSScheduler{
		config:          config,
		metadataFetcher: NewHTTPMetadataFetcher(logger),
		versionChecker:  versionChecker,
		downloader:      NewHTTPDownloader(logger),
		importer:        importer,
		freshness:       freshness,
		notifier:        notifier,
		logger:          logger,
	}
}

// Start blocks, checking the source every CheckInterval until Stop is
// called or ctx is cancelled.
func (s *GTFSScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting GTFS scheduler",
		"url", s.config.URL,
		"check_interval", s.config.CheckInterval,
		"source", s.config.SourceName)

	// Initial check
	if err := s.CheckAndUpdate(ctx); err != nil {
		s.logger.Error("Initial check failed", "error", err)
	}

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.CheckAndUpdate(ctx); err != nil {
				s.logger.Error("Scheduled check failed", "error", err)
			}
		}
	}
}

func (s *GTFSScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.running = false
	return nil
}

// CheckAndUpdate downloads and installs the archive when the source has a
// newer version, or when the source gives no usable metadata and the
// installed schedule is older than MaxAge.
func (s *GTFSScheduler) CheckAndUpdate(ctx context.Context) error {
	lastLoad := s.freshness.LoadInfo().LoadedAt
	stale := s.freshness.NeedsRefresh(lastLoad, s.config.MaxAge)

	metadata, err := s.metadataFetcher.FetchMetadata(ctx, s.config.URL)
	if err != nil {
		if !stale {
			return fmt.Errorf("fetching metadata: %w", err)
		}
		s.logger.Warn("Metadata unavailable, refreshing stale schedule", "error", err)
		metadata = &models.SourceMetadata{URL: s.config.URL}
	}

	var refresh bool
	switch {
	case lastLoad.IsZero():
		refresh = true
	case metadata.LastModified.IsZero() && metadata.ETag == "":
		refresh = stale
	default:
		refresh, err = s.versionChecker.HasNewerVersion(ctx, *metadata)
		if err != nil {
			return fmt.Errorf("checking version: %w", err)
		}
	}

	if !refresh {
		s.logger.Debug("No new version available", "last_load", lastLoad)
		return nil
	}

	s.logger.Info("New version detected, starting import process",
		"last_modified", metadata.LastModified)

	stamp := metadata.LastModified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	downloadPath := filepath.Join(
		s.config.DownloadDir,
		fmt.Sprintf("gtfs_%s_%s.zip", s.config.SourceName, stamp.Format("20060102_150405")),
	)

	if err := s.downloader.Download(ctx, metadata.URL, downloadPath); err != nil {
		return fmt.Errorf("downloading file: %w", err)
	}
	defer os.Remove(downloadPath) // Clean up after import

	info, importErr := s.importer.Import(ctx, downloadPath, *metadata)
	if importErr != nil {
		if info.LoadedAt.IsZero() {
			return fmt.Errorf("importing data: %w", importErr)
		}
		s.logger.Error("Import incomplete, partial schedule installed", "error", importErr)
	}

	if err := s.versionChecker.RecordVersion(ctx, *metadata, info); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}

	if s.notifier != nil {
		counts := map[string]interface{}{
			"routes":     info.Routes,
			"stops":      info.Stops,
			"trips":      info.Trips,
			"stop_times": info.StopTimes,
			"skipped":    info.TotalSkipped(),
		}
		if err := s.notifier.SendScheduleRefresh(ctx, s.config.SourceName, counts); err != nil {
			s.logger.Warn("Failed to send refresh notice", "error", err)
		}
	}

	s.logger.Info("Successfully imported new GTFS data",
		"source", s.config.SourceName,
		"stops", info.Stops,
		"stop_times", info.StopTimes)

	return importErr
}
