package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tripcore/pkg/gtfs-static/models"
)

// VersionInfo is one installed schedule archive.
type VersionInfo struct {
	SourceURL    string
	ETag         string
	LastModified time.Time
	LoadedAt     time.Time
	Routes       int
	Stops        int
	Trips        int
	StopTimes    int
	Skipped      int
}

type VersionChecker struct {
	db *DB
}

func NewVersionChecker(db *DB) *VersionChecker {
	return &VersionChecker{db: db}
}

func (vc *VersionChecker) GetActiveVersion(ctx context.Context) (*VersionInfo, error) {
	query := vc.db.rebind(`
		SELECT source_url, etag, last_modified_ms, loaded_at_ms, routes, stops, trips, stop_times, skipped
		FROM schedule_versions
		WHERE is_active = ?
		ORDER BY loaded_at_ms DESC
		LIMIT 1
	`)

	var (
		version              VersionInfo
		lastModified, loaded int64
	)
	err := vc.db.conn.QueryRowContext(ctx, query, true).Scan(
		&version.SourceURL,
		&version.ETag,
		&lastModified,
		&loaded,
		&version.Routes,
		&version.Stops,
		&version.Trips,
		&version.StopTimes,
		&version.Skipped,
	)

	if errors.Is(err, sql.ErrNoRows) {
		vc.db.logger.Info("No active schedule version found in database")
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying active version: %w", err)
	}

	if lastModified > 0 {
		version.LastModified = time.UnixMilli(lastModified)
	}
	version.LoadedAt = time.UnixMilli(loaded)

	vc.db.logger.Debug("Found active version",
		"source_url", version.SourceURL,
		"last_modified", version.LastModified,
		"loaded_at", version.LoadedAt)

	return &version, nil
}

// HasNewerVersion compares the published archive against the active
// version. An unknown Last-Modified falls back to the ETag.
func (vc *VersionChecker) HasNewerVersion(ctx context.Context, meta models.SourceMetadata) (bool, error) {
	active, err := vc.GetActiveVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("getting active version: %w", err)
	}

	// If no active version, we need to import
	if active == nil {
		vc.db.logger.Info("No active version found, new import needed")
		return true, nil
	}

	var isNewer bool
	switch {
	case !meta.LastModified.IsZero():
		isNewer = meta.LastModified.After(active.LastModified)
	case meta.ETag != "":
		isNewer = meta.ETag != active.ETag
	default:
		isNewer = false
	}

	vc.db.logger.Info("Version comparison",
		"dataset_modified", meta.LastModified,
		"active_version_modified", active.LastModified,
		"is_newer", isNewer)

	return isNewer, nil
}

// RecordVersion marks a freshly loaded archive as the active version.
func (vc *VersionChecker) RecordVersion(ctx context.Context, meta models.SourceMetadata, info models.LoadInfo) error {
	tx, err := vc.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// First, deactivate all existing versions
	_, err = tx.ExecContext(ctx, vc.db.rebind("UPDATE schedule_versions SET is_active = ? WHERE is_active = ?"), false, true)
	if err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}

	var lastModified int64
	if !meta.LastModified.IsZero() {
		lastModified = meta.LastModified.UnixMilli()
	}
	loadedAt := info.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now()
	}

	query := vc.db.rebind(`
		INSERT INTO schedule_versions (
			source_url, etag, last_modified_ms, loaded_at_ms,
			routes, stops, trips, stop_times, skipped, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = tx.ExecContext(ctx, query,
		meta.URL, meta.ETag, lastModified, loadedAt.UnixMilli(),
		info.Routes, info.Stops, info.Trips, info.StopTimes, info.TotalSkipped(), true)
	if err != nil {
		return fmt.Errorf("creating version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing version: %w", err)
	}

	vc.db.logger.Info("Recorded schedule version",
		"source_url", meta.URL,
		"routes", info.Routes,
		"stops", info.Stops,
		"stop_times", info.StopTimes)

	return nil
}

// PruneInactiveVersions deletes superseded versions, keeping the newest
// keep of them as history.
func (vc *VersionChecker) PruneInactiveVersions(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	query := vc.db.rebind(`
		DELETE FROM schedule_versions
		WHERE is_active = ?
		AND loaded_at_ms NOT IN (
			SELECT loaded_at_ms FROM schedule_versions
			WHERE is_active = ?
			ORDER BY loaded_at_ms DESC
			LIMIT ?
		)
	`)
	res, err := vc.db.conn.ExecContext(ctx, query, false, false, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning versions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned versions: %w", err)
	}
	if n > 0 {
		vc.db.logger.Info("Pruned old schedule versions", "deleted", n, "kept", keep)
	}
	return n, nil
}
