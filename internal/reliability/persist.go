package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tripcore/pkg/planning/models"
	"gopkg.in/yaml.v3"
)

const (
	TableKey         = "reliability/table"
	SeedSourceLabel  = "Historical data"
	flushRetryPeriod = 30 * time.Second
)

type seedFile struct {
	Routes []models.RouteReliability `yaml:"routes"`
}

// LoadSeed installs records from a YAML document with a top-level
// "routes" list. Seeded records replace existing ones and are not
// marked for saving.
func (e *Engine) LoadSeed(r io.Reader) (int, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decoding reliability seed: %w", err)
	}
	for i := range seed.Routes {
		if seed.Routes[i].SourceLabel == "" {
			seed.Routes[i].SourceLabel = SeedSourceLabel
		}
		if seed.Routes[i].WeekendOnTimeRate == 0 {
			seed.Routes[i].WeekendOnTimeRate = seed.Routes[i].OnTimeRate
		}
	}
	n := e.install(seed.Routes)
	e.logger.Info("Loaded reliability seed", "routes", n)
	return n, nil
}

// LoadSeedFile is LoadSeed on a file path.
func (e *Engine) LoadSeedFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening reliability seed: %w", err)
	}
	defer f.Close()
	return e.LoadSeed(f)
}

// Restore loads the table saved by Flush. A missing table is not an
// error; restored records override seeded ones.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	raw, ok, err := e.store.Get(ctx, TableKey)
	if err != nil {
		return 0, fmt.Errorf("reading reliability table: %w", err)
	}
	if !ok {
		return 0, nil
	}
	var records []models.RouteReliability
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("decoding reliability table: %w", err)
	}
	n := e.install(records)
	e.logger.Info("Restored reliability table", "routes", n)
	return n, nil
}

// Flush saves the table if anything changed since the last save.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil || !e.dirty.Swap(false) {
		return nil
	}
	records := e.All()
	raw, err := json.Marshal(records)
	if err != nil {
		e.dirty.Store(true)
		return fmt.Errorf("encoding reliability table: %w", err)
	}
	if err := e.store.Set(ctx, TableKey, raw); err != nil {
		e.dirty.Store(true)
		return fmt.Errorf("saving reliability table: %w", err)
	}
	e.logger.Debug("Saved reliability table", "routes", len(records))
	return nil
}

// Run saves the table at most once per delay after a write signals it,
// and once more when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Flush(final); err != nil {
				e.logger.Error("Failed to save reliability table on shutdown", "error", err)
			}
			cancel()
			return
		case <-e.notify:
			if !pending {
				pending = true
				timer.Reset(delay)
			}
		case <-timer.C:
			pending = false
			if err := e.Flush(ctx); err != nil {
				e.logger.Warn("Failed to save reliability table", "error", err)
				pending = true
				timer.Reset(flushRetryPeriod)
			}
		}
	}
}
