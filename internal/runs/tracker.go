// Package runs keeps the ScrapeRun audit trail: every job execution opens a
// run and closes it exactly once, whatever happens inside the job.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

// RunStore persists ScrapeRun records.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.ScrapeRun) error
	FinishRun(ctx context.Context, run domain.ScrapeRun) error
	FailStaleRuns(ctx context.Context, cutoff, now time.Time, message string) (int, error)
}

// Outcome is what a job reports back for its run record.
type Outcome struct {
	Counts   domain.Counts
	Details  map[string]int
	Attempts int
	Skipped  bool
}

// Tracker opens and closes ScrapeRuns.
type Tracker struct {
	store   RunStore
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewTracker creates a Tracker.
func NewTracker(s RunStore, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	return &Tracker{store: s, clock: clock, logger: logger, metrics: metrics}
}

// Start opens a running ScrapeRun for kind.
func (t *Tracker) Start(ctx context.Context, kind domain.JobKind, trigger domain.Trigger) (domain.ScrapeRun, error) {
	run := domain.ScrapeRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		Trigger:   trigger,
		Status:    domain.RunRunning,
		StartedAt: t.clock.Now().UTC(),
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return domain.ScrapeRun{}, fmt.Errorf("open %s run: %w", kind, err)
	}
	t.logger.Info("run started", "run_id", run.ID, "job", kind, "trigger", trigger)
	return run, nil
}

// Finish closes run with a terminal status derived from out and jobErr:
// failed when jobErr is set, skipped when out.Skipped, success otherwise.
// It writes even when ctx is cancelled.
func (t *Tracker) Finish(ctx context.Context, run domain.ScrapeRun, out Outcome, jobErr error) (domain.ScrapeRun, error) {
	finished := t.clock.Now().UTC()
	run.FinishedAt = &finished
	run.DurationSeconds = finished.Sub(run.StartedAt).Seconds()
	run.Counts = out.Counts
	run.Details = out.Details
	run.Attempts = out.Attempts

	switch {
	case jobErr != nil:
		run.Status = domain.RunFailed
		run.ErrorMessage = jobErr.Error()
	case out.Skipped:
		run.Status = domain.RunSkipped
	default:
		run.Status = domain.RunSuccess
	}

	if err := t.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		t.logger.Error("run close failed", "run_id", run.ID, "job", run.Kind, "error", err)
		return run, fmt.Errorf("close %s run: %w", run.Kind, err)
	}

	if t.metrics != nil {
		t.metrics.JobRuns.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
		t.metrics.JobDuration.WithLabelValues(string(run.Kind)).Observe(run.DurationSeconds)
	}

	attrs := []any{
		"run_id", run.ID,
		"job", run.Kind,
		"status", run.Status,
		"duration_seconds", run.DurationSeconds,
		"items_found", run.Counts.Found,
		"items_saved", run.Counts.Saved,
		"items_updated", run.Counts.Updated,
		"items_failed", run.Counts.Failed,
	}
	if jobErr != nil {
		t.logger.Error("run failed", append(attrs, "error", jobErr)...)
	} else {
		t.logger.Info("run finished", attrs...)
	}
	return run, nil
}

// Track opens a run, executes fn and always closes the run, including when
// fn panics. A panic is reported as a failed run and returned as an error.
func (t *Tracker) Track(ctx context.Context, kind domain.JobKind, trigger domain.Trigger, fn func(ctx context.Context) (Outcome, error)) (domain.ScrapeRun, error) {
	run, err := t.Start(ctx, kind, trigger)
	if err != nil {
		return domain.ScrapeRun{}, err
	}
	return t.Execute(ctx, run, fn)
}

// Execute runs fn for an already opened run and closes it.
func (t *Tracker) Execute(ctx context.Context, run domain.ScrapeRun, fn func(ctx context.Context) (Outcome, error)) (closed domain.ScrapeRun, err error) {
	var out Outcome
	var jobErr error

	defer func() {
		if r := recover(); r != nil {
			jobErr = fmt.Errorf("panic: %v", r)
		}
		var closeErr error
		closed, closeErr = t.Finish(ctx, run, out, jobErr)
		err = errors.Join(jobErr, closeErr)
	}()

	out, jobErr = fn(ctx)
	return closed, err
}

// Repair marks runs left running by a previous process as failed. Runs that
// started within grace of now are left alone.
func (t *Tracker) Repair(ctx context.Context, grace time.Duration) (int, error) {
	now := t.clock.Now().UTC()
	n, err := t.store.FailStaleRuns(ctx, now.Add(-grace), now, "interrupted by restart")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Warn("closed stale runs", "count", n)
	}
	return n, nil
}

var _ RunStore = (*store.Store)(nil)
