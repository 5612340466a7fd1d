package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tripcore/internal/common/logger"
)

// ErrNotArchive is returned when the downloaded body is not a zip file,
// typically an HTML error page served with status 200.
var ErrNotArchive = errors.New("download is not a zip archive")

var zipMagic = []byte("PK\x03\x04")

type HTTPDownloader struct {
	client *http.Client
	logger logger.Logger
}

func NewHTTPDownloader(logger logger.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: 5 * time.Minute, // Large files may take time
		},
		logger: logger,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string, destPath string) error {
	// Ensure destination directory exists
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	tempFile, err := os.CreateTemp(destDir, "gtfs_download_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath) // Clean up temp file on any error

	d.logger.Info("Starting download", "url", url, "dest", destPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tempFile.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	pw := &progressWriter{w: tempFile, total: resp.ContentLength, logger: d.logger, lastLog: time.Now()}
	written, err := io.Copy(pw, resp.Body)
	tempFile.Close()

	if err != nil {
		return fmt.Errorf("downloading file: %w", err)
	}
	if !bytes.HasPrefix(pw.head, zipMagic) {
		return fmt.Errorf("%s: %w", url, ErrNotArchive)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		return fmt.Errorf("moving file to destination: %w", err)
	}

	d.logger.Info("Download completed",
		"url", url,
		"dest", destPath,
		"size_bytes", written)

	return nil
}

// progressWriter logs download progress every five seconds.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	logger  logger.Logger
	lastLog time.Time
	// head keeps the first bytes for the archive check.
	head []byte
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if need := len(zipMagic) - len(p.head); need > 0 {
		if need > len(b) {
			need = len(b)
		}
		p.head = append(p.head, b[:need]...)
	}
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 && time.Since(p.lastLog) > 5*time.Second {
		p.logger.Debug("Download progress",
			"progress_percent", fmt.Sprintf("%.1f", float64(p.written)/float64(p.total)*100),
			"bytes_downloaded", p.written,
			"total_bytes", p.total)
		p.lastLog = time.Now()
	}
	return n, err
}
