// Package archive caches downloaded shapefile archives so a re-sync of an
// unchanged warning day does not hit the geoserver again.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// ErrMiss is returned by Get when no archive is cached for the key.
var ErrMiss = errors.New("archive not cached")

// FileName returns the local archive name, e.g. "warning_418_day_2_2025.zip".
func FileName(key domain.ArchiveKey) string {
	return fmt.Sprintf("warning_%d_day_%d_%d.zip", key.Number, key.Day, key.Year)
}

// FSStore keeps archives as files in a single directory.
type FSStore struct {
	dir   string
	clock clockwork.Clock
}

// NewFSStore creates dir if needed and returns a store rooted there.
func NewFSStore(dir string, clock clockwork.Clock) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FSStore{dir: dir, clock: clock}, nil
}

func (s *FSStore) path(key domain.ArchiveKey) string {
	return filepath.Join(s.dir, FileName(key))
}

func (s *FSStore) Get(_ context.Context, key domain.ArchiveKey) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return data, nil
}

// Put writes through a temporary file and renames it into place, so readers
// never see a partial archive.
func (s *FSStore) Put(_ context.Context, key domain.ArchiveKey, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

func (s *FSStore) Delete(_ context.Context, key domain.ArchiveKey) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

// Evict removes every cached archive of a warning, whatever its day or year.
func (s *FSStore) Evict(_ context.Context, number int) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, fmt.Sprintf("warning_%d_day_*.zip", number)))
	if err != nil {
		return 0, fmt.Errorf("evict archives: %w", err)
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("evict archives: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Prune deletes archives last modified more than retention ago.
func (s *FSStore) Prune(_ context.Context, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("prune archives: %w", err)
	}
	cutoff := s.clock.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "warning_") || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("prune archives: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}
