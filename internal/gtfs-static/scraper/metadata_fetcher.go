package scraper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/pkg/gtfs-static/models"
)

const httpTimeout = 30 * time.Second

// HTTPMetadataFetcher reads archive metadata from the response headers of
// a HEAD request.
type HTTPMetadataFetcher struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPMetadataFetcher(logger logger.Logger) *HTTPMetadataFetcher {
	return &HTTPMetadataFetcher{
		client: &http.Client{
			Timeout: httpTimeout,
		},
		logger: logger,
	}
}

func (f *HTTPMetadataFetcher) FetchMetadata(ctx context.Context, url string) (*models.SourceMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	f.logger.Debug("Fetching metadata", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("Failed to execute request", "url", url, "error", err)
		return nil, fmt.Errorf("executing request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Error("Source returned error status",
			"status_code", resp.StatusCode,
			"url", url)
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	meta := &models.SourceMetadata{
		URL:           url,
		ETag:          resp.Header.Get("ETag"),
		ContentLength: resp.ContentLength,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = t
		} else {
			f.logger.Warn("Unparseable Last-Modified header", "value", lm)
		}
	}

	f.logger.Info("Metadata fetched successfully",
		"url", url,
		"last_modified", meta.LastModified,
		"etag", meta.ETag)

	return meta, nil
}
