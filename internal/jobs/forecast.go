package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
)

// ForecastSource fetches the forecasts of one department.
type ForecastSource interface {
	FetchForecasts(ctx context.Context, department string) ([]domain.RawForecast, error)
}

// ForecastStore persists locations and forecasts.
type ForecastStore interface {
	HasForecastsIssuedOn(ctx context.Context, department string, day time.Time) (bool, error)
	UpsertLocation(ctx context.Context, department, name string, lat, lon *float64) (domain.Location, error)
	SaveForecasts(ctx context.Context, locationID uint, issuedAt time.Time, days []domain.DailyForecast, replaceSameDay bool) (inserted, replaced int, err error)
}

// CoordinateLookup resolves static location coordinates.
type CoordinateLookup interface {
	Lookup(department, location string) (lat, lon float64, ok bool)
}

// ForecastJob scrapes the daily forecast of every selected department.
type ForecastJob struct {
	source      ForecastSource
	store       ForecastStore
	coords      CoordinateLookup
	departments []string
	unitTimeout time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewForecastJob creates a ForecastJob. coords may be nil.
func NewForecastJob(source ForecastSource, s ForecastStore, coords CoordinateLookup, departments []string, unitTimeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *ForecastJob {
	return &ForecastJob{
		source:      source,
		store:       s,
		coords:      coords,
		departments: departments,
		unitTimeout: unitTimeout,
		clock:       clock,
		logger:      logger.With("job", domain.JobForecast),
	}
}

func (j *ForecastJob) Kind() domain.JobKind { return domain.JobForecast }

type savedLocation struct {
	inserted int
	replaced int
}

// Run scrapes each department. A department that already has forecasts
// issued today is skipped unless opts.Force is set; the check happens before
// any request is made. The run is skipped when every department was, and
// failed when none succeeded.
func (j *ForecastJob) Run(ctx context.Context, opts Options) (runs.Outcome, error) {
	depts, err := resolveDepartments(opts.Departments, j.departments)
	if err != nil {
		return runs.Outcome{}, err
	}

	var out runs.Outcome
	var succeeded, skipped, failed, locations, replaced int
	today := j.clock.Now()

	for _, dept := range depts {
		if err := ctx.Err(); err != nil {
			return j.outcome(out, len(depts), skipped, failed, locations, replaced), err
		}
		log := j.logger.With("department", dept)

		if !opts.Force {
			fresh, err := unit(ctx, j.unitTimeout, func(c context.Context) (bool, error) {
				return j.store.HasForecastsIssuedOn(c, dept, today)
			})
			if err != nil {
				failed++
				log.Warn("freshness check failed", "error", err)
				continue
			}
			if fresh {
				skipped++
				log.Info("forecasts already issued today, skipping")
				continue
			}
		}

		forecasts, err := unit(ctx, j.unitTimeout, func(c context.Context) ([]domain.RawForecast, error) {
			return j.source.FetchForecasts(c, dept)
		})
		if err != nil {
			failed++
			log.Warn("forecast fetch failed", "error", err)
			continue
		}
		if len(forecasts) == 0 {
			failed++
			log.Warn("no forecast locations found")
			continue
		}

		deptOK := false
		for _, f := range forecasts {
			if err := ctx.Err(); err != nil {
				return j.outcome(out, len(depts), skipped, failed, locations, replaced), err
			}
			out.Counts.Found += len(f.Days)
			saved, err := unit(ctx, j.unitTimeout, func(c context.Context) (savedLocation, error) {
				return j.saveLocation(c, f, opts.Force)
			})
			if err != nil {
				out.Counts.Failed += len(f.Days)
				log.Warn("save forecasts failed", "location", f.Location, "error", err)
				continue
			}
			deptOK = true
			locations++
			out.Counts.Saved += saved.inserted
			replaced += saved.replaced
		}
		if deptOK {
			succeeded++
		} else {
			failed++
		}
	}

	out = j.outcome(out, len(depts), skipped, failed, locations, replaced)
	if skipped == len(depts) {
		out.Skipped = true
		return out, nil
	}
	if succeeded == 0 {
		return out, fmt.Errorf("all %d departments failed", failed)
	}
	return out, nil
}

func (j *ForecastJob) saveLocation(ctx context.Context, f domain.RawForecast, replace bool) (savedLocation, error) {
	var lat, lon *float64
	if j.coords != nil {
		if la, lo, ok := j.coords.Lookup(f.Department, f.Location); ok {
			lat, lon = &la, &lo
		}
	}
	loc, err := j.store.UpsertLocation(ctx, f.Department, f.Location, lat, lon)
	if err != nil {
		return savedLocation{}, err
	}
	inserted, replaced, err := j.store.SaveForecasts(ctx, loc.ID, f.IssuedAt, f.Days, replace)
	if err != nil {
		return savedLocation{}, err
	}
	return savedLocation{inserted: inserted, replaced: replaced}, nil
}

func (j *ForecastJob) outcome(out runs.Outcome, total, skipped, failed, locations, replaced int) runs.Outcome {
	out.Details = map[string]int{
		"departments_total":   total,
		"departments_skipped": skipped,
		"departments_failed":  failed,
		"locations":           locations,
		"forecasts_replaced":  replaced,
	}
	return out
}
