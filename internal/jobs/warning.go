package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/geometry"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/warning"
)

// WarningSource fetches the warnings of one department.
type WarningSource interface {
	FetchWarnings(ctx context.Context, department string) ([]domain.RawWarning, error)
}

// Reconciler merges raw warnings into persisted ones.
type Reconciler interface {
	Sweep(ctx context.Context) (warning.SweepResult, error)
	Reconcile(ctx context.Context, raws []domain.RawWarning) (warning.Result, error)
}

// GeometrySyncer syncs the polygons of a set of warnings.
type GeometrySyncer interface {
	SyncAll(ctx context.Context, warnings []domain.Warning) (geometry.Result, error)
}

// ActiveWarnings lists warnings that are EMITIDO or VIGENTE.
type ActiveWarnings interface {
	ListActiveWarnings(ctx context.Context) ([]domain.Warning, error)
}

// WarningJob sweeps statuses, fetches every selected department, reconciles
// the observations and syncs geometries of the eligible warnings.
type WarningJob struct {
	source      WarningSource
	reconciler  Reconciler
	syncer      GeometrySyncer
	active      ActiveWarnings
	departments []string
	unitTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewWarningJob creates a WarningJob. syncer is nil when geometry sync is
// disabled.
func NewWarningJob(source WarningSource, reconciler Reconciler, syncer GeometrySyncer, active ActiveWarnings, departments []string, unitTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *WarningJob {
	return &WarningJob{
		source:      source,
		reconciler:  reconciler,
		syncer:      syncer,
		active:      active,
		departments: departments,
		unitTimeout: unitTimeout,
		logger:      logger.With("job", domain.JobWarning),
		metrics:     metrics,
	}
}

func (j *WarningJob) Kind() domain.JobKind { return domain.JobWarning }

// Run executes one warning cycle. Department fetch failures are recorded and
// do not stop the cycle unless every department failed.
func (j *WarningJob) Run(ctx context.Context, opts Options) (runs.Outcome, error) {
	depts, err := resolveDepartments(opts.Departments, j.departments)
	if err != nil {
		return runs.Outcome{}, err
	}

	sweep, err := j.reconciler.Sweep(ctx)
	if err != nil {
		return runs.Outcome{}, err
	}
	details := map[string]int{
		"departments_total": len(depts),
		"status_changed":    sweep.Changed,
		"expired":           sweep.Expired,
	}
	out := runs.Outcome{Details: details}

	var raws []domain.RawWarning
	failed := 0
	for _, dept := range depts {
		if err := ctx.Err(); err != nil {
			details["departments_failed"] = failed
			return out, err
		}
		fetched, err := unit(ctx, j.unitTimeout, func(c context.Context) ([]domain.RawWarning, error) {
			return j.source.FetchWarnings(c, dept)
		})
		if err != nil {
			failed++
			j.logger.Warn("warning fetch failed", "department", dept, "error", err)
			continue
		}
		raws = append(raws, fetched...)
	}
	details["departments_failed"] = failed
	if len(depts) > 0 && failed == len(depts) {
		return out, fmt.Errorf("all %d departments failed", failed)
	}

	res, err := j.reconciler.Reconcile(ctx, raws)
	out.Counts = domain.Counts{Found: res.Found, Saved: res.Saved, Updated: res.Updated, Failed: res.Failed}
	details["eligible"] = len(res.Eligible)
	if err != nil {
		return out, err
	}

	if j.syncer != nil && len(res.Eligible) > 0 {
		g, err := j.syncer.SyncAll(ctx, res.Eligible)
		details["geometry_synced"] = g.Synced
		details["geometry_skipped"] = g.Skipped
		details["geometry_days_downloaded"] = g.Downloaded
		details["geometry_days_cached"] = g.Cached
		details["geometry_days_failed"] = g.Failed
		if err != nil {
			return out, err
		}
	}

	j.updateActiveGauge(ctx)
	return out, nil
}

func (j *WarningJob) updateActiveGauge(ctx context.Context) {
	if j.active == nil || j.metrics == nil {
		return
	}
	active, err := j.active.ListActiveWarnings(ctx)
	if err != nil {
		j.logger.Warn("count active warnings failed", "error", err)
		return
	}
	j.metrics.WarningsActive.Set(float64(len(active)))
}
