package importer

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tripcore/internal/common/logger"
	"github.com/tripcore/internal/common/storage"
	"github.com/tripcore/internal/gtfs-static/index"
	"github.com/tripcore/internal/gtfs-static/parser"
	"github.com/tripcore/pkg/gtfs-static/models"
)

// SnapshotKey is where the parsed tables are persisted.
const SnapshotKey = "schedule/snapshot"

type Options struct {
	// SkipStopTimes leaves the stop-times table unloaded.
	SkipStopTimes bool
	// NestedFolder selects the feed inside a bundled archive.
	NestedFolder string
}

type Importer struct {
	index  *index.Index
	parser *parser.Parser
	store  storage.Store
	logger logger.Logger
	opts   Options
}

type snapshot struct {
	SavedAt  time.Time
	LoadedAt time.Time
	Source   models.SourceMetadata
	Tables   models.Tables
}

func NewImporter(idx *index.Index, p *parser.Parser, store storage.Store, logger logger.Logger, opts Options) *Importer {
	return &Importer{
		index:  idx,
		parser: p,
		store:  store,
		logger: logger,
		opts:   opts,
	}
}

// Import loads a downloaded archive into the index and persists the
// result. A *index.PartialFailure is returned after the partial tables
// have been installed and saved.
func (i *Importer) Import(ctx context.Context, zipPath string, source models.SourceMetadata) (models.LoadInfo, error) {
	archive, err := i.parser.OpenArchive(zipPath, i.opts.NestedFolder)
	if err != nil {
		return models.LoadInfo{}, fmt.Errorf("opening archive: %w", err)
	}
	defer archive.Close()

	readers := make(map[string]io.Reader, 4)
	for _, name := range []string{models.TableRoutes, models.TableStops, models.TableTrips, models.TableStopTimes} {
		if name == models.TableStopTimes && i.opts.SkipStopTimes {
			i.logger.Info("Skipping stop times table")
			continue
		}
		rc, ok, err := archive.Open(name)
		if err != nil {
			return models.LoadInfo{}, err
		}
		if !ok {
			i.logger.Warn("File not found in archive", "file", name)
			continue
		}
		defer rc.Close()
		readers[name] = rc
	}

	info, loadErr := i.index.Load(
		readers[models.TableRoutes],
		readers[models.TableStops],
		readers[models.TableTrips],
		readers[models.TableStopTimes],
	)
	var partial *index.PartialFailure
	if loadErr != nil && !errors.As(loadErr, &partial) {
		return info, loadErr
	}

	if err := i.SaveSnapshot(ctx, source); err != nil {
		i.logger.Error("Failed to persist schedule snapshot", "error", err)
	}

	return info, loadErr
}

// SaveSnapshot gob-encodes the installed tables into the store.
func (i *Importer) SaveSnapshot(ctx context.Context, source models.SourceMetadata) error {
	snap := snapshot{
		SavedAt:  time.Now(),
		LoadedAt: i.index.LoadInfo().LoadedAt,
		Source:   source,
		Tables:   i.index.Tables(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := i.store.Set(ctx, SnapshotKey, buf.Bytes()); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	i.logger.Info("Schedule snapshot saved", "bytes", buf.Len())
	return nil
}

// RestoreSnapshot installs the persisted tables, if any. It reports
// whether a snapshot was found.
func (i *Importer) RestoreSnapshot(ctx context.Context) (models.LoadInfo, bool, error) {
	data, ok, err := i.store.Get(ctx, SnapshotKey)
	if err != nil {
		return models.LoadInfo{}, false, fmt.Errorf("reading snapshot: %w", err)
	}
	if !ok {
		i.logger.Info("No schedule snapshot stored")
		return models.LoadInfo{}, false, nil
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return models.LoadInfo{}, false, fmt.Errorf("decoding snapshot: %w", err)
	}

	info := i.index.Install(snap.Tables, snap.LoadedAt)
	i.logger.Info("Schedule snapshot restored",
		"saved_at", snap.SavedAt,
		"source", snap.Source.URL)
	return info, true, nil
}
