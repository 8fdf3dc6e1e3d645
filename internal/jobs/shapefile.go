package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
)

// ArchivePruner deletes cached archives older than a retention period.
type ArchivePruner interface {
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// ShapefileJob re-syncs geometries of all active warnings and prunes the
// archive cache.
type ShapefileJob struct {
	active    ActiveWarnings
	syncer    GeometrySyncer
	pruner    ArchivePruner
	retention time.Duration
	logger    *slog.Logger
}

// NewShapefileJob creates a ShapefileJob. pruner may be nil.
func NewShapefileJob(active ActiveWarnings, syncer GeometrySyncer, pruner ArchivePruner, retention time.Duration, logger *slog.Logger) *ShapefileJob {
	return &ShapefileJob{
		active:    active,
		syncer:    syncer,
		pruner:    pruner,
		retention: retention,
		logger:    logger.With("job", domain.JobShapefile),
	}
}

func (j *ShapefileJob) Kind() domain.JobKind { return domain.JobShapefile }

// Run syncs every active warning. With opts.Force, warnings already synced
// for their window are downloaded again. The run is skipped when there is no
// active warning.
func (j *ShapefileJob) Run(ctx context.Context, opts Options) (runs.Outcome, error) {
	active, err := j.active.ListActiveWarnings(ctx)
	if err != nil {
		return runs.Outcome{}, err
	}

	out := runs.Outcome{
		Counts:  domain.Counts{Found: len(active)},
		Details: map[string]int{},
	}
	if len(active) > 0 {
		if opts.Force {
			for i := range active {
				active[i].GeometryComplete = false
			}
		}
		res, err := j.syncer.SyncAll(ctx, active)
		out.Counts.Saved = res.Records
		out.Counts.Updated = res.Synced
		out.Counts.Failed = res.Failed
		out.Details["warnings_skipped"] = res.Skipped
		out.Details["days_downloaded"] = res.Downloaded
		out.Details["days_cached"] = res.Cached
		if err != nil {
			return out, err
		}
	}

	if j.pruner != nil && j.retention > 0 {
		pruned, err := unit(ctx, time.Minute, func(c context.Context) (int, error) {
			return j.pruner.Prune(c, j.retention)
		})
		if err != nil {
			j.logger.Warn("archive prune failed", "error", err)
		} else {
			out.Details["archives_pruned"] = pruned
		}
	}

	if len(active) == 0 {
		j.logger.Info("no active warnings")
		out.Skipped = true
	}
	return out, nil
}
