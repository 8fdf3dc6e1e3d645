package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// GetWarning returns the warning with the given number or ErrNotFound.
func (s *Store) GetWarning(ctx context.Context, number int) (domain.Warning, error) {
	var row warningRow
	if err := s.db.WithContext(ctx).Where("number = ?", number).First(&row).Error; err != nil {
		return domain.Warning{}, notFound(err)
	}
	return row.toDomain(), nil
}

// ListWarningsByStatus returns warnings in any of the given statuses, most
// recently issued first.
func (s *Store) ListWarningsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Warning, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var rows []warningRow
	err := s.db.WithContext(ctx).Where("status IN ?", names).
		Order("issued_at DESC, number DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	return warningsToDomain(rows), nil
}

// ListActiveWarnings returns warnings that are EMITIDO or VIGENTE.
func (s *Store) ListActiveWarnings(ctx context.Context) ([]domain.Warning, error) {
	return s.ListWarningsByStatus(ctx, domain.StatusEmitido, domain.StatusVigente)
}

// ListUnexpiredWarnings returns every warning not yet marked VENCIDO.
func (s *Store) ListUnexpiredWarnings(ctx context.Context) ([]domain.Warning, error) {
	var rows []warningRow
	err := s.db.WithContext(ctx).Where("status <> ?", string(domain.StatusVencido)).
		Order("number").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list unexpired warnings: %w", err)
	}
	return warningsToDomain(rows), nil
}

// InsertWarning creates a new warning row.
func (s *Store) InsertWarning(ctx context.Context, w domain.Warning) error {
	row, err := warningRowFrom(w)
	if err != nil {
		return fmt.Errorf("encode warning %d: %w", w.Number, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert warning %d: %w", w.Number, err)
	}
	return nil
}

// UpdateWarning writes the reconciled attributes of an existing warning.
// Geometry sync bookkeeping is owned by ReplaceGeometries and left untouched.
func (s *Store) UpdateWarning(ctx context.Context, w domain.Warning) error {
	departments, err := json.Marshal(w.Departments)
	if err != nil {
		return fmt.Errorf("encode warning %d: %w", w.Number, err)
	}
	res := s.db.WithContext(ctx).Model(&warningRow{}).Where("number = ?", w.Number).
		Updates(map[string]any{
			"senamhi_id":  w.SenamhiID,
			"title":       w.Title,
			"description": w.Description,
			"hazard":      string(w.Hazard),
			"severity":    string(w.Severity),
			"status":      string(w.Status),
			"valid_from":  w.ValidFrom.UTC(),
			"valid_until": w.ValidUntil.UTC(),
			"issued_at":   w.IssuedAt.UTC(),
			"departments": datatypes.JSON(departments),
		})
	if res.Error != nil {
		return fmt.Errorf("update warning %d: %w", w.Number, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWarningStatus sets only the status of a warning.
func (s *Store) UpdateWarningStatus(ctx context.Context, number int, status domain.Status) error {
	res := s.db.WithContext(ctx).Model(&warningRow{}).Where("number = ?", number).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("update status of warning %d: %w", number, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredWarnings removes VENCIDO warnings whose validity ended before
// cutoff, together with their geometries. With dryRun set it only counts them.
func (s *Store) DeleteExpiredWarnings(ctx context.Context, cutoff time.Time, dryRun bool) ([]int, error) {
	var numbers []int
	err := s.db.WithContext(ctx).Model(&warningRow{}).
		Where("status = ? AND valid_until < ?", string(domain.StatusVencido), cutoff.UTC()).
		Order("number").Pluck("number", &numbers).Error
	if err != nil {
		return nil, fmt.Errorf("find expired warnings: %w", err)
	}
	if dryRun || len(numbers) == 0 {
		return numbers, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("warning_number IN ?", numbers).Delete(&geometryRow{}).Error; err != nil {
			return err
		}
		return tx.Where("number IN ?", numbers).Delete(&warningRow{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("delete expired warnings: %w", err)
	}
	return numbers, nil
}

func warningsToDomain(rows []warningRow) []domain.Warning {
	out := make([]domain.Warning, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}
