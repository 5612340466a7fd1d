package scraper

import (
	"context"
	"time"

	"github.com/tripcore/pkg/gtfs-static/models"
)

type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, url string) (*models.SourceMetadata, error)
}

type VersionChecker interface {
	HasNewerVersion(ctx context.Context, meta models.SourceMetadata) (bool, error)
	RecordVersion(ctx context.Context, meta models.SourceMetadata, info models.LoadInfo) error
}

type Downloader interface {
	Download(ctx context.Context, url string, destPath string) error
}

type Importer interface {
	Import(ctx context.Context, filePath string, source models.SourceMetadata) (models.LoadInfo, error)
}

// Freshness is the part of the schedule index the scheduler consults.
type Freshness interface {
	LoadInfo() models.LoadInfo
	NeedsRefresh(lastLoad time.Time, maxAge time.Duration) bool
}

// Notifier announces installed schedules, e.g. to Discord.
type Notifier interface {
	SendScheduleRefresh(ctx context.Context, source string, counts map[string]interface{}) error
}

type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}
