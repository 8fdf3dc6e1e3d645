// Package service is the read and control surface served over HTTP: warning
// and geometry queries, run history, and manual job triggers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/scheduler"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

// ErrInvalidArgument marks a request that can never succeed as given.
var ErrInvalidArgument = errors.New("invalid argument")

// MaxRunLimit caps ListRuns.
const MaxRunLimit = 200

// Store is the read side of persistence.
type Store interface {
	GetWarning(ctx context.Context, number int) (domain.Warning, error)
	ListActiveWarnings(ctx context.Context) ([]domain.Warning, error)
	GetGeometries(ctx context.Context, number int, day *int) ([]domain.GeometryRecord, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]domain.ScrapeRun, error)
	ListLocations(ctx context.Context, department string) ([]domain.Location, error)
	LatestForecasts(ctx context.Context, locationID uint) ([]domain.Forecast, error)
	ForecastHistory(ctx context.Context, locationID uint, targetDate time.Time) ([]domain.Forecast, error)
	CheckReadiness(ctx context.Context) error
}

// Scheduler accepts manual job triggers.
type Scheduler interface {
	TriggerJob(ctx context.Context, kind domain.JobKind, opts jobs.Options) (domain.ScrapeRun, error)
	Status() []scheduler.JobStatus
	CheckReadiness(ctx context.Context) error
}

// Service implements the queries and commands exposed by the API.
type Service struct {
	store     Store
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates a Service.
func New(s Store, sched Scheduler, logger *slog.Logger) *Service {
	return &Service{store: s, scheduler: sched, logger: logger}
}

// GetWarning returns a warning by number, or store.ErrNotFound.
func (s *Service) GetWarning(ctx context.Context, number int) (domain.Warning, error) {
	if number <= 0 {
		return domain.Warning{}, fmt.Errorf("%w: warning number must be positive", ErrInvalidArgument)
	}
	return s.store.GetWarning(ctx, number)
}

// ListActiveWarnings returns warnings that are issued or in force.
func (s *Service) ListActiveWarnings(ctx context.Context) ([]domain.Warning, error) {
	return s.store.ListActiveWarnings(ctx)
}

// GetGeometries returns the polygons of a warning, optionally for one day.
// An unknown warning yields store.ErrNotFound; a known warning without
// geometries yields an empty slice.
func (s *Service) GetGeometries(ctx context.Context, number int, day *int) ([]domain.GeometryRecord, error) {
	if day != nil && *day < 1 {
		return nil, fmt.Errorf("%w: day must be at least 1", ErrInvalidArgument)
	}
	if _, err := s.GetWarning(ctx, number); err != nil {
		return nil, err
	}
	return s.store.GetGeometries(ctx, number, day)
}

// WarningGeometries is one warning with its stored polygons.
type WarningGeometries struct {
	Warning domain.Warning
	Records []domain.GeometryRecord
}

// ActiveGeometries returns the polygons of every active warning, optionally
// for one day. Warnings without geometries come back with no records.
func (s *Service) ActiveGeometries(ctx context.Context, day *int) ([]WarningGeometries, error) {
	if day != nil && *day < 1 {
		return nil, fmt.Errorf("%w: day must be at least 1", ErrInvalidArgument)
	}
	warnings, err := s.store.ListActiveWarnings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WarningGeometries, 0, len(warnings))
	for _, w := range warnings {
		records, err := s.store.GetGeometries(ctx, w.Number, day)
		if err != nil {
			return nil, err
		}
		out = append(out, WarningGeometries{Warning: w, Records: records})
	}
	return out, nil
}

// TriggerJob starts a manual run. Department names are validated up front so
// a typo fails the request instead of the run.
func (s *Service) TriggerJob(ctx context.Context, kind domain.JobKind, opts jobs.Options) (domain.ScrapeRun, error) {
	if _, err := domain.ParseJobKind(string(kind)); err != nil {
		return domain.ScrapeRun{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	for _, d := range opts.Departments {
		if _, ok := domain.DepartmentCode(d); !ok {
			return domain.ScrapeRun{}, fmt.Errorf("%w: unknown department %q", ErrInvalidArgument, d)
		}
	}
	run, err := s.scheduler.TriggerJob(ctx, kind, opts)
	if err != nil {
		return domain.ScrapeRun{}, err
	}
	s.logger.Info("manual job accepted", "job", kind, "run_id", run.ID, "departments", opts.Departments)
	return run, nil
}

// ListRuns returns run history, newest first.
func (s *Service) ListRuns(ctx context.Context, f store.RunFilter) ([]domain.ScrapeRun, error) {
	if f.Kind != "" {
		if _, err := domain.ParseJobKind(string(f.Kind)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}
	switch f.Status {
	case "", domain.RunRunning, domain.RunSuccess, domain.RunFailed, domain.RunSkipped:
	default:
		return nil, fmt.Errorf("%w: unknown run status %q", ErrInvalidArgument, f.Status)
	}
	if f.Limit > MaxRunLimit {
		f.Limit = MaxRunLimit
	}
	return s.store.ListRuns(ctx, f)
}

// JobStatus reports the scheduler state of every job.
func (s *Service) JobStatus() []scheduler.JobStatus {
	return s.scheduler.Status()
}

// ListLocations returns forecast locations, optionally for one department.
func (s *Service) ListLocations(ctx context.Context, department string) ([]domain.Location, error) {
	if department != "" {
		if _, ok := domain.DepartmentCode(department); !ok {
			return nil, fmt.Errorf("%w: unknown department %q", ErrInvalidArgument, department)
		}
		department = domain.NormalizeDepartment(department)
	}
	return s.store.ListLocations(ctx, department)
}

// LatestForecasts returns the most recent forecast issue of a location.
func (s *Service) LatestForecasts(ctx context.Context, locationID uint) ([]domain.Forecast, error) {
	return s.store.LatestForecasts(ctx, locationID)
}

// ForecastHistory returns every issue that forecast the given Peru calendar
// day at a location, oldest issue first.
func (s *Service) ForecastHistory(ctx context.Context, locationID uint, date time.Time) ([]domain.Forecast, error) {
	if date.IsZero() {
		return nil, fmt.Errorf("%w: date is required", ErrInvalidArgument)
	}
	return s.store.ForecastHistory(ctx, locationID, domain.StartOfDay(date))
}

// CheckReadiness reports whether the database answers and the scheduler loop
// is running.
func (s *Service) CheckReadiness(ctx context.Context) error {
	if err := s.store.CheckReadiness(ctx); err != nil {
		return err
	}
	return s.scheduler.CheckReadiness(ctx)
}
