package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// GeometryReplacement is a complete geometry set for one warning.
type GeometryReplacement struct {
	WarningNumber int
	Records       []domain.GeometryRecord
	ValidFrom     time.Time
	ValidUntil    time.Time
	Complete      bool
}

// ReplaceGeometries deletes every geometry of the warning and inserts the
// new set in one transaction, recording the window the set was synced for.
func (s *Store) ReplaceGeometries(ctx context.Context, r GeometryReplacement) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var warning warningRow
		if err := tx.Where("number = ?", r.WarningNumber).First(&warning).Error; err != nil {
			return notFound(err)
		}

		if err := tx.Where("warning_number = ?", r.WarningNumber).Delete(&geometryRow{}).Error; err != nil {
			return err
		}

		if len(r.Records) > 0 {
			rows := make([]geometryRow, len(r.Records))
			for i, rec := range r.Records {
				rows[i] = geometryRow{
					WarningID:     warning.ID,
					WarningNumber: r.WarningNumber,
					Day:           rec.Day,
					Level:         rec.Level,
					Geometry:      datatypes.JSON(rec.Geometry),
				}
			}
			if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
				return err
			}
		}

		from, until := r.ValidFrom.UTC(), r.ValidUntil.UTC()
		return tx.Model(&warningRow{}).Where("id = ?", warning.ID).
			Updates(map[string]any{
				"geometry_from":     &from,
				"geometry_until":    &until,
				"geometry_complete": r.Complete,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("replace geometries of warning %d: %w", r.WarningNumber, err)
	}
	return nil
}

// GetGeometries returns a warning's geometries, for one day when day is set.
func (s *Store) GetGeometries(ctx context.Context, number int, day *int) ([]domain.GeometryRecord, error) {
	q := s.db.WithContext(ctx).Where("warning_number = ?", number)
	if day != nil {
		q = q.Where("day = ?", *day)
	}
	var rows []geometryRow
	if err := q.Order("day, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get geometries of warning %d: %w", number, err)
	}
	out := make([]domain.GeometryRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GeometryDays returns the number of distinct days with persisted geometries.
func (s *Store) GeometryDays(ctx context.Context, number int) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&geometryRow{}).
		Where("warning_number = ?", number).
		Distinct("day").Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count geometry days of warning %d: %w", number, err)
	}
	return int(count), nil
}
