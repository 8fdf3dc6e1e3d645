// Package app wires the tracker's components from a Config. Both the
// service binary and the admin CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/adapter/archive"
	kafkaadapter "github.com/couchcryptid/senamhi-tracker-service/internal/adapter/kafka"
	"github.com/couchcryptid/senamhi-tracker-service/internal/adapter/mapbox"
	"github.com/couchcryptid/senamhi-tracker-service/internal/adapter/senamhi"
	"github.com/couchcryptid/senamhi-tracker-service/internal/adapter/shapefile"
	"github.com/couchcryptid/senamhi-tracker-service/internal/config"
	"github.com/couchcryptid/senamhi-tracker-service/internal/coordinates"
	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/geometry"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/keyedlock"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/scheduler"
	"github.com/couchcryptid/senamhi-tracker-service/internal/service"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
	"github.com/couchcryptid/senamhi-tracker-service/internal/warning"
)

// App holds the wired components.
type App struct {
	Store     *store.Store
	Catalog   *coordinates.Catalog
	Geocoder  domain.Geocoder // nil unless Mapbox is enabled
	Tracker   *runs.Tracker
	Scheduler *scheduler.Scheduler
	Service   *service.Service

	closers []func() error
	logger  *slog.Logger
}

// New opens the store and optional collaborators and builds the jobs and
// scheduler. Optional collaborators that fail to initialize are logged and
// left out; the database is required.
func New(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{Store: st, logger: logger}
	a.closers = append(a.closers, st.Close)
	logger.Info("database ready", "dialect", st.Dialect())

	a.Catalog, err = coordinates.Load(cfg.CoordinatesFile)
	if err != nil {
		logger.Warn("coordinates catalog unavailable, locations keep upstream coordinates",
			"path", cfg.CoordinatesFile, "error", err)
	} else {
		logger.Info("coordinates catalog loaded", "path", cfg.CoordinatesFile, "locations", a.Catalog.Len())
	}

	if cfg.MapboxEnabled {
		a.Geocoder = mapbox.NewCachedGeocoder(
			mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger),
			cfg.MapboxCacheSize,
		)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize)
	}

	var publisher warning.EventPublisher
	if cfg.KafkaEnabled {
		p := kafkaadapter.NewPublisher(cfg, logger)
		publisher = p
		a.closers = append(a.closers, p.Close)
		logger.Info("warning events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaWarningTopic)
	} else {
		logger.Info("warning events disabled")
	}

	client := senamhi.NewClient(cfg, clock, logger, metrics)
	locks := keyedlock.New[int]()
	reconciler := warning.NewReconciler(st, locks, publisher, clock, logger)
	unitTimeout := UnitTimeout(cfg)
	departments := cfg.SelectedDepartments()

	jobList := []jobs.Job{
		jobs.NewForecastJob(client, st, a.Catalog, departments, unitTimeout, clock, logger),
	}

	if cfg.GeometryEnabled {
		cache, pruner, err := a.archiveCache(ctx, cfg, clock)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		syncer := geometry.NewSynchronizer(st, client, shapefile.NewDecoder(""), cache, locks,
			geometry.Options{Concurrency: cfg.DownloadConcurrency, DayTimeout: unitTimeout},
			logger, metrics)
		jobList = append(jobList,
			jobs.NewWarningJob(client, reconciler, syncer, st, departments, unitTimeout, logger, metrics),
			jobs.NewShapefileJob(st, syncer, pruner, cfg.ArchiveRetention, logger),
		)
	} else {
		logger.Info("geometry sync disabled")
		jobList = append(jobList,
			jobs.NewWarningJob(client, reconciler, nil, st, departments, unitTimeout, logger, metrics))
	}

	intervals := make(map[domain.JobKind]time.Duration, len(jobList))
	for _, kind := range domain.JobKinds() {
		intervals[kind] = cfg.IntervalFor(kind)
	}

	a.Tracker = runs.NewTracker(st, clock, logger, metrics)
	a.Scheduler = scheduler.New(jobList, scheduler.Config{
		Intervals:      intervals,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		Tick:           cfg.SchedulerTick,
		RunImmediately: cfg.RunImmediately,
	}, a.Tracker, clock, logger, metrics)
	a.Service = service.New(st, a.Scheduler, logger)
	return a, nil
}

// archiveCache returns the redis cache when REDIS_ADDR is set, falling back
// to the filesystem cache when redis is unreachable.
func (a *App) archiveCache(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (geometry.ArchiveCache, jobs.ArchivePruner, error) {
	if cfg.RedisAddr != "" {
		rs, err := archive.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ArchiveRetention)
		if err == nil {
			a.closers = append(a.closers, rs.Close)
			a.logger.Info("archive cache: redis", "addr", cfg.RedisAddr, "ttl", cfg.ArchiveRetention.String())
			return rs, rs, nil
		}
		a.logger.Warn("redis unavailable, using filesystem archive cache", "addr", cfg.RedisAddr, "error", err)
	}
	fs, err := archive.NewFSStore(cfg.ArchiveDir, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("archive cache: %w", err)
	}
	a.logger.Info("archive cache: filesystem", "dir", cfg.ArchiveDir, "retention", cfg.ArchiveRetention.String())
	return fs, fs, nil
}

// UnitTimeout bounds one unit of work: a department fetch or a geometry day.
func UnitTimeout(cfg *config.Config) time.Duration {
	return 2*cfg.RequestTimeout + cfg.ScrapeDelay
}

// Close releases everything New opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
