package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// ErrRunClosed is returned when finishing a run that already has a terminal status.
var ErrRunClosed = errors.New("run already closed")

// DefaultRunLimit bounds ListRuns when no limit is given.
const DefaultRunLimit = 20

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Kind   domain.JobKind
	Status domain.RunStatus
	Limit  int
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run domain.ScrapeRun) error {
	row := runRow{
		ID:        run.ID,
		Kind:      string(run.Kind),
		Trigger:   string(run.Trigger),
		Status:    string(run.Status),
		StartedAt: run.StartedAt.UTC(),
		Attempts:  run.Attempts,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the terminal state of a run. Only a run still marked
// running can be finished; otherwise ErrRunClosed is returned.
func (s *Store) FinishRun(ctx context.Context, run domain.ScrapeRun) error {
	var details datatypes.JSON
	if len(run.Details) > 0 {
		b, err := json.Marshal(run.Details)
		if err != nil {
			return fmt.Errorf("encode run details: %w", err)
		}
		details = datatypes.JSON(b)
	}

	res := s.db.WithContext(ctx).Model(&runRow{}).
		Where("id = ? AND status = ?", run.ID, string(domain.RunRunning)).
		Updates(map[string]any{
			"status":           string(run.Status),
			"finished_at":      utcPtr(run.FinishedAt),
			"duration_seconds": run.DurationSeconds,
			"attempts":         run.Attempts,
			"items_found":      run.Counts.Found,
			"items_saved":      run.Counts.Saved,
			"items_updated":    run.Counts.Updated,
			"items_failed":     run.Counts.Failed,
			"details":          details,
			"error_message":    run.ErrorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRunClosed
	}
	return nil
}

// GetRun returns a run by id or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (domain.ScrapeRun, error) {
	var row runRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return domain.ScrapeRun{}, notFound(err)
	}
	return row.toDomain(), nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]domain.ScrapeRun, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]domain.ScrapeRun, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// LastFinishedRun returns the most recent terminal run of a kind or ErrNotFound.
func (s *Store) LastFinishedRun(ctx context.Context, kind domain.JobKind) (domain.ScrapeRun, error) {
	var row runRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status <> ?", string(kind), string(domain.RunRunning)).
		Order("started_at DESC").First(&row).Error
	if err != nil {
		return domain.ScrapeRun{}, notFound(err)
	}
	return row.toDomain(), nil
}

// FailStaleRuns marks every run still running that started before cutoff as
// failed and returns how many were closed.
func (s *Store) FailStaleRuns(ctx context.Context, cutoff, now time.Time, message string) (int, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&runRow{}).
		Where("status = ? AND started_at <= ?", string(domain.RunRunning), cutoff.UTC()).
		Updates(map[string]any{
			"status":        string(domain.RunFailed),
			"finished_at":   &now,
			"error_message": message,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail stale runs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
