// Package jobs implements the three scheduled jobs: forecast scraping,
// warning reconciliation and shapefile geometry sync.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
)

// Options tune a single job execution.
type Options struct {
	// Force bypasses freshness checks: forecasts already issued today are
	// replaced, synced geometries are downloaded again.
	Force bool
	// Departments restricts the run; empty means the configured set.
	Departments []string
}

// Job is one schedulable unit of work.
type Job interface {
	Kind() domain.JobKind
	Run(ctx context.Context, opts Options) (runs.Outcome, error)
}

// unit runs fn on a context that ignores ctx's cancellation, bounded by
// timeout. Jobs check ctx between units; a unit that started finishes.
func unit[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(uctx)
}

// resolveDepartments validates requested department names, falling back to
// defaults when none are requested.
func resolveDepartments(requested, defaults []string) ([]string, error) {
	if len(requested) == 0 {
		return defaults, nil
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		d := domain.NormalizeDepartment(name)
		if _, ok := domain.DepartmentCode(d); !ok {
			return nil, fmt.Errorf("unknown department %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}
