package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/tripcore/internal/common/logger"
)

// CacheSweeper drops expired feed cache entries and reports how many
// remain.
type CacheSweeper interface {
	Sweep(now time.Time) int
}

// ReliabilityFlusher persists pending reliability changes.
type ReliabilityFlusher interface {
	Flush(ctx context.Context) error
}

// VersionPruner removes superseded schedule version records.
type VersionPruner interface {
	PruneInactiveVersions(ctx context.Context, keep int) (int64, error)
}

// Vacuumer reclaims database space after pruning.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// Tasks are the collaborators maintenance runs against. Any may be nil.
type Tasks struct {
	Cache       CacheSweeper
	Reliability ReliabilityFlusher
	Versions    VersionPruner
	Vacuum      Vacuumer
}

// VersionCleanupResult summarises one pass over the version history.
type VersionCleanupResult struct {
	RecordsDeleted int64         `json:"records_deleted"`
	Vacuumed       bool          `json:"vacuumed"`
	Duration       time.Duration `json:"duration"`
}

// Maintenance handles cache upkeep, reliability persistence and schedule
// version cleanup.
type Maintenance struct {
	tasks  Tasks
	logger logger.Logger
	now    func() time.Time
}

func New(tasks Tasks, logger logger.Logger) *Maintenance {
	return &Maintenance{
		tasks:  tasks,
		logger: logger,
		now:    time.Now,
	}
}

// SweepFeedCache drops expired feed answers and returns the number left.
func (m *Maintenance) SweepFeedCache() int {
	if m.tasks.Cache == nil {
		return 0
	}
	remaining := m.tasks.Cache.Sweep(m.now())
	m.logger.Debug("Swept feed cache", "remaining", remaining)
	return remaining
}

func (m *Maintenance) FlushReliability(ctx context.Context) error {
	if m.tasks.Reliability == nil {
		return nil
	}
	if err := m.tasks.Reliability.Flush(ctx); err != nil {
		return fmt.Errorf("flushing reliability table: %w", err)
	}
	return nil
}

// CleanupOldScheduleVersions removes inactive schedule versions, keeping
// the newest keepInactiveVersions of them, and vacuums when rows went.
func (m *Maintenance) CleanupOldScheduleVersions(ctx context.Context, keepInactiveVersions int) (VersionCleanupResult, error) {
	var result VersionCleanupResult
	if m.tasks.Versions == nil {
		return result, nil
	}

	m.logger.Info("Starting cleanup of old schedule versions", "keep_inactive_versions", keepInactiveVersions)
	start := m.now()

	n, err := m.tasks.Versions.PruneInactiveVersions(ctx, keepInactiveVersions)
	if err != nil {
		return result, fmt.Errorf("pruning schedule versions: %w", err)
	}
	result.RecordsDeleted = n

	if n > 0 && m.tasks.Vacuum != nil {
		if err := m.tasks.Vacuum.Vacuum(ctx); err != nil {
			// the rows are gone either way
			m.logger.Warn("Failed to vacuum after cleanup", "error", err)
		} else {
			result.Vacuumed = true
		}
	}

	result.Duration = m.now().Sub(start)
	m.logger.Info("Schedule version cleanup completed",
		"records_deleted", result.RecordsDeleted,
		"vacuumed", result.Vacuumed,
		"duration", result.Duration)
	return result, nil
}

// PerformPostImportMaintenance runs after a schedule import: it saves the
// reliability table and keeps one inactive version as a backup.
func (m *Maintenance) PerformPostImportMaintenance(ctx context.Context) error {
	m.logger.Info("Performing post-import maintenance tasks")

	if err := m.FlushReliability(ctx); err != nil {
		return err
	}
	if _, err := m.CleanupOldScheduleVersions(ctx, 1); err != nil {
		return fmt.Errorf("cleaning up old schedule versions: %w", err)
	}

	m.logger.Info("Post-import maintenance completed successfully")
	return nil
}
