package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tripcore/internal/common/logger"
)

// CleanupScheduler runs maintenance periodically.
type CleanupScheduler struct {
	maintenance        *Maintenance
	logger             logger.Logger
	config             SchedulerConfig
	isRunning          bool
	mu                 sync.RWMutex
	cancelFn           context.CancelFunc
	wg                 sync.WaitGroup
	importLock         sync.RWMutex // Prevents cleanup during schedule imports
	isImportInProgress bool
}

type SchedulerConfig struct {
	SweepInterval         time.Duration // Feed cache sweep and reliability flush
	StaticCleanupInterval time.Duration // Schedule version cleanup
	StaticInitialDelay    time.Duration // Wait for a possible startup import
	KeepInactiveVersions  int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval:         time.Minute,
		StaticCleanupInterval: 24 * time.Hour,
		StaticInitialDelay:    5 * time.Minute,
		KeepInactiveVersions:  1,
	}
}

func NewCleanupScheduler(tasks Tasks, logger logger.Logger, config SchedulerConfig) *CleanupScheduler {
	def := DefaultSchedulerConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.StaticCleanupInterval <= 0 {
		config.StaticCleanupInterval = def.StaticCleanupInterval
	}
	if config.StaticInitialDelay <= 0 {
		config.StaticInitialDelay = def.StaticInitialDelay
	}
	if config.KeepInactiveVersions < 0 {
		config.KeepInactiveVersions = 0
	}
	return &CleanupScheduler{
		maintenance: New(tasks, logger),
		logger:      logger,
		config:      config,
	}
}

func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("cleanup scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.logger.Info("Starting cleanup scheduler",
		"sweep_interval", s.config.SweepInterval,
		"static_interval", s.config.StaticCleanupInterval)

	s.wg.Add(2)
	go s.sweepLoop(ctx)
	go s.staticCleanupLoop(ctx)

	return nil
}

// Stop cancels both loops and waits for them to return.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping cleanup scheduler")
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Cleanup scheduler stopped")
}

func (s *CleanupScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LockForImport holds off cleanup while a schedule import runs.
func (s *CleanupScheduler) LockForImport() {
	s.importLock.Lock()
	s.isImportInProgress = true
	s.importLock.Unlock()
	s.logger.Info("Cleanup operations locked for schedule import")
}

func (s *CleanupScheduler) UnlockAfterImport() {
	s.importLock.Lock()
	s.isImportInProgress = false
	s.importLock.Unlock()
	s.logger.Info("Cleanup operations unlocked after schedule import")
}

func (s *CleanupScheduler) canPerformCleanup() bool {
	s.importLock.RLock()
	defer s.importLock.RUnlock()
	return !s.isImportInProgress
}

func (s *CleanupScheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweep loop stopping")
			return
		case <-ticker.C:
			s.performSweep(ctx)
		}
	}
}

func (s *CleanupScheduler) staticCleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.StaticCleanupInterval)
	defer ticker.Stop()

	initialDelay := time.NewTimer(s.config.StaticInitialDelay)
	defer initialDelay.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Static cleanup loop stopping")
			return
		case <-initialDelay.C:
			s.performStaticCleanup(ctx)
		case <-ticker.C:
			s.performStaticCleanup(ctx)
		}
	}
}

// performSweep never waits on the import lock: the feed cache and the
// reliability table are independent of the schedule.
func (s *CleanupScheduler) performSweep(ctx context.Context) {
	s.maintenance.SweepFeedCache()
	if err := s.maintenance.FlushReliability(ctx); err != nil {
		s.logger.Error("Reliability flush failed", "error", err)
	}
}

func (s *CleanupScheduler) performStaticCleanup(ctx context.Context) {
	if !s.canPerformCleanup() {
		s.logger.Debug("Skipping static cleanup - schedule import in progress")
		return
	}
	if _, err := s.maintenance.CleanupOldScheduleVersions(ctx, s.config.KeepInactiveVersions); err != nil {
		s.logger.Error("Schedule version cleanup failed", "error", err)
	}
}

// TriggerSweep runs one sweep now.
func (s *CleanupScheduler) TriggerSweep(ctx context.Context) int {
	remaining := s.maintenance.SweepFeedCache()
	if err := s.maintenance.FlushReliability(ctx); err != nil {
		s.logger.Error("Reliability flush failed", "error", err)
	}
	return remaining
}

// TriggerStaticCleanup runs version cleanup now unless an import holds the
// lock.
func (s *CleanupScheduler) TriggerStaticCleanup(ctx context.Context) (VersionCleanupResult, error) {
	if !s.canPerformCleanup() {
		return VersionCleanupResult{}, fmt.Errorf("cannot perform cleanup - schedule import in progress")
	}
	s.logger.Info("Manual schedule version cleanup triggered",
		"keep_inactive_versions", s.config.KeepInactiveVersions)
	return s.maintenance.CleanupOldScheduleVersions(ctx, s.config.KeepInactiveVersions)
}

// AfterImport releases the import lock and runs post-import maintenance.
func (s *CleanupScheduler) AfterImport(ctx context.Context) error {
	s.UnlockAfterImport()
	return s.maintenance.PerformPostImportMaintenance(ctx)
}

func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	s.importLock.RLock()
	defer s.mu.RUnlock()
	defer s.importLock.RUnlock()

	return map[string]interface{}{
		"is_running":             s.isRunning,
		"is_import_in_progress":  s.isImportInProgress,
		"sweep_interval":         s.config.SweepInterval.String(),
		"static_interval":        s.config.StaticCleanupInterval.String(),
		"keep_inactive_versions": s.config.KeepInactiveVersions,
	}
}
