// Package geometry downloads, decodes and persists the per-day polygons of
// active warnings.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/keyedlock"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

// Store is the persistence the synchronizer needs.
type Store interface {
	GetWarning(ctx context.Context, number int) (domain.Warning, error)
	ReplaceGeometries(ctx context.Context, r store.GeometryReplacement) error
	GeometryDays(ctx context.Context, number int) (int, error)
}

// Fetcher downloads one day's shapefile archive.
type Fetcher interface {
	FetchShapefileArchive(ctx context.Context, key domain.ArchiveKey) ([]byte, error)
}

// Decoder turns an archive into polygons.
type Decoder interface {
	Decode(data []byte) ([]domain.DecodedPolygon, error)
}

// ArchiveCache stores downloaded archives. Any Get error is treated as a miss.
type ArchiveCache interface {
	Get(ctx context.Context, key domain.ArchiveKey) ([]byte, error)
	Put(ctx context.Context, key domain.ArchiveKey, data []byte) error
	Delete(ctx context.Context, key domain.ArchiveKey) error
	Evict(ctx context.Context, number int) (int, error)
}

// Options tunes the synchronizer.
type Options struct {
	// Concurrency bounds parallel day downloads of one warning.
	Concurrency int
	// DayTimeout bounds fetch and decode of a single day.
	DayTimeout time.Duration
}

// Result summarizes one or more Sync calls.
type Result struct {
	Processed  int
	Downloaded int
	Cached     int
	Failed     int
	Synced     int
	Skipped    int
	Records    int
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Processed += other.Processed
	r.Downloaded += other.Downloaded
	r.Cached += other.Cached
	r.Failed += other.Failed
	r.Synced += other.Synced
	r.Skipped += other.Skipped
	r.Records += other.Records
}

// Synchronizer keeps persisted geometries in line with each warning's
// validity window.
type Synchronizer struct {
	store   Store
	fetcher Fetcher
	decoder Decoder
	cache   ArchiveCache
	locks   *keyedlock.Map[int]
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSynchronizer creates a synchronizer. cache may be nil.
func NewSynchronizer(s Store, fetcher Fetcher, decoder Decoder, cache ArchiveCache, locks *keyedlock.Map[int], opts Options, logger *slog.Logger, metrics *observability.Metrics) *Synchronizer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DayTimeout <= 0 {
		opts.DayTimeout = 30 * time.Second
	}
	return &Synchronizer{
		store:   s,
		fetcher: fetcher,
		decoder: decoder,
		cache:   cache,
		locks:   locks,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

type dayResult struct {
	day      int
	polygons []domain.DecodedPolygon
	cached   bool
	err      error
}

// Sync brings the geometries of one warning up to date. Per-day failures are
// counted, not returned; an error means the result could not be persisted.
func (s *Synchronizer) Sync(ctx context.Context, w domain.Warning) (Result, error) {
	res := Result{Processed: 1}
	log := s.logger.With("warning_number", w.Number)

	if w.GeometrySynced() {
		res.Skipped = 1
		return res, nil
	}

	if s.cache != nil && w.GeometryFrom != nil && w.GeometryUntil != nil && !w.SameWindow(*w.GeometryFrom, *w.GeometryUntil) {
		if n, err := s.cache.Evict(ctx, w.Number); err != nil {
			log.Warn("evict cached archives failed", "error", err)
		} else if n > 0 {
			log.Info("validity window changed, cached archives evicted", "archives", n)
		}
	}

	days := domain.DaySpan(w.ValidFrom, w.ValidUntil)
	year := w.ValidFrom.In(domain.PeruTime).Year()
	results := s.fetchDays(ctx, w.Number, days, year)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var records []domain.GeometryRecord
	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			res.Failed++
			s.metrics.GeometryDays.WithLabelValues("failed").Inc()
			log.Warn("geometry day failed", "day", r.day, "error", r.err)
			continue
		}
		succeeded++
		if r.cached {
			res.Cached++
			s.metrics.GeometryDays.WithLabelValues("cached").Inc()
		} else {
			res.Downloaded++
			s.metrics.GeometryDays.WithLabelValues("downloaded").Inc()
		}
		for _, p := range r.polygons {
			records = append(records, domain.GeometryRecord{
				WarningNumber: w.Number,
				Day:           r.day,
				Level:         p.Level,
				Geometry:      p.Geometry,
			})
		}
	}

	if succeeded == 0 {
		log.Warn("no geometry day could be decoded, keeping existing geometries", "days", days)
		return res, nil
	}

	persisted, err := s.persist(ctx, w, records, succeeded, days == succeeded, log)
	if err != nil {
		return res, err
	}
	if persisted {
		res.Synced = 1
		res.Records = len(records)
		log.Info("geometries synced", "days", days, "days_synced", succeeded, "records", len(records))
	}
	return res, nil
}

// fetchDays resolves every day of the warning with bounded concurrency.
// Days not started before cancellation are reported as failed.
func (s *Synchronizer) fetchDays(ctx context.Context, number, days, year int) []dayResult {
	results := make([]dayResult, days)
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i := range days {
		day := i + 1
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = dayResult{day: day, err: fmt.Errorf("day %d panicked: %v", day, r)}
				}
			}()
			if err := ctx.Err(); err != nil {
				results[i] = dayResult{day: day, err: err}
				return nil
			}
			dayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DayTimeout)
			defer cancel()
			results[i] = s.fetchDay(dayCtx, domain.ArchiveKey{Number: number, Day: day, Year: year})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Synchronizer) fetchDay(ctx context.Context, key domain.ArchiveKey) dayResult {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil {
			polygons, err := s.decoder.Decode(data)
			if err == nil {
				s.metrics.ArchiveCache.WithLabelValues("hit").Inc()
				return dayResult{day: key.Day, polygons: polygons, cached: true}
			}
			s.logger.Warn("cached archive is malformed, evicting",
				"warning_number", key.Number, "day", key.Day, "error", err)
			if err := s.cache.Delete(ctx, key); err != nil {
				s.logger.Warn("delete cached archive failed", "warning_number", key.Number, "day", key.Day, "error", err)
			}
		}
		s.metrics.ArchiveCache.WithLabelValues("miss").Inc()
	}

	data, err := s.fetcher.FetchShapefileArchive(ctx, key)
	if err != nil {
		return dayResult{day: key.Day, err: fmt.Errorf("download: %w", err)}
	}
	polygons, err := s.decoder.Decode(data)
	if err != nil {
		return dayResult{day: key.Day, err: fmt.Errorf("decode: %w", err)}
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, key, data); err != nil {
			s.logger.Warn("cache archive failed", "warning_number", key.Number, "day", key.Day, "error", err)
		}
	}
	return dayResult{day: key.Day, polygons: polygons}
}

// persist replaces the warning's geometries under its lock. It refuses to
// write when the window moved while downloading, or when a partial set would
// replace one covering more days of the same window.
func (s *Synchronizer) persist(ctx context.Context, w domain.Warning, records []domain.GeometryRecord, daysSynced int, complete bool, log *slog.Logger) (bool, error) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DayTimeout)
	defer cancel()

	unlock := s.locks.Lock(w.Number)
	defer unlock()

	current, err := s.store.GetWarning(unitCtx, w.Number)
	if err != nil {
		return false, fmt.Errorf("reload warning %d: %w", w.Number, err)
	}
	if !current.SameWindow(w.ValidFrom, w.ValidUntil) {
		log.Warn("validity window changed during sync, discarding downloaded geometries")
		return false, nil
	}

	sameWindow := current.GeometryFrom != nil && current.GeometryUntil != nil &&
		current.SameWindow(*current.GeometryFrom, *current.GeometryUntil)
	if !complete && sameWindow {
		existing, err := s.store.GeometryDays(unitCtx, w.Number)
		if err != nil {
			return false, err
		}
		if existing > daysSynced {
			log.Warn("partial geometry set covers fewer days than the persisted one, keeping existing",
				"days_synced", daysSynced, "days_persisted", existing)
			return false, nil
		}
	}

	err = s.store.ReplaceGeometries(unitCtx, store.GeometryReplacement{
		WarningNumber: w.Number,
		Records:       records,
		ValidFrom:     w.ValidFrom,
		ValidUntil:    w.ValidUntil,
		Complete:      complete,
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("warning %d disappeared during sync: %w", w.Number, err)
	}
	return err == nil, err
}

// SyncAll syncs each warning in turn, stopping between warnings when ctx is
// cancelled. A warning whose sync fails is logged and counted as failed.
func (s *Synchronizer) SyncAll(ctx context.Context, warnings []domain.Warning) (Result, error) {
	var total Result
	errored := 0
	for _, w := range warnings {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.Sync(ctx, w)
		total.Add(res)
		if err != nil {
			errored++
			s.logger.Warn("geometry sync failed", "warning_number", w.Number, "error", err)
		}
	}
	if len(warnings) > 0 {
		s.logger.Info("geometry sync finished",
			"warnings", total.Processed, "synced", total.Synced, "skipped", total.Skipped,
			"downloaded", total.Downloaded, "cached", total.Cached, "failed_days", total.Failed,
			"errors", errored)
	}
	return total, nil
}
