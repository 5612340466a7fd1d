package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tripcore/pkg/gtfs-static/models"
)

// Archive gives access to the schedule tables inside a static GTFS zip.
type Archive struct {
	closer io.Closer
	files  map[string]*zip.File
}

// OpenArchive opens a GTFS zip. Some agencies publish a bundle of feeds
// where each folder holds its own google_transit.zip; in that case the
// nested archive under nestedFolder (or the first one found when
// nestedFolder is empty) is used.
func (p *Parser) OpenArchive(zipPath, nestedFolder string) (*Archive, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("opening zip file: %w", err)
	}

	p.logger.Info("Opening GTFS zip file", "path", zipPath, "files", len(reader.File))

	files := indexFiles(&reader.Reader)
	if _, ok := files[models.TableStops]; ok {
		return &Archive{closer: reader, files: files}, nil
	}

	var nested *zip.File
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, "/google_transit.zip") {
			continue
		}
		if nestedFolder == "" || strings.HasPrefix(file.Name, strings.TrimSuffix(nestedFolder, "/")+"/") {
			nested = file
			break
		}
	}
	if nested == nil {
		// Treat it as a standard archive; missing tables load as empty.
		return &Archive{closer: reader, files: files}, nil
	}

	p.logger.Info("Detected nested GTFS structure, using nested file", "file", nested.Name)
	defer reader.Close()

	rc, err := nested.Open()
	if err != nil {
		return nil, fmt.Errorf("opening nested zip: %w", err)
	}
	defer rc.Close()

	// Read the entire nested zip into memory
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading nested zip: %w", err)
	}

	inner, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("creating zip reader: %w", err)
	}
	return &Archive{files: indexFiles(inner)}, nil
}

func indexFiles(r *zip.Reader) map[string]*zip.File {
	files := make(map[string]*zip.File, len(r.File))
	for _, file := range r.File {
		// tables are sometimes wrapped in a top-level folder
		files[path.Base(file.Name)] = file
	}
	return files
}

// Open returns the named table, or ok=false when the archive lacks it.
func (a *Archive) Open(name string) (io.ReadCloser, bool, error) {
	file, ok := a.files[name]
	if !ok {
		return nil, false, nil
	}
	rc, err := file.Open()
	if err != nil {
		return nil, true, fmt.Errorf("opening %s: %w", name, err)
	}
	return rc, true, nil
}

// Has reports whether the archive contains the named table.
func (a *Archive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
