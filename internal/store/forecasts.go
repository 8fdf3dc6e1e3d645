package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// UpsertLocation returns the location identified by (department, name),
// creating it when absent. Coordinates are only written when the stored
// location has none.
func (s *Store) UpsertLocation(ctx context.Context, department, name string, lat, lon *float64) (domain.Location, error) {
	row := locationRow{Department: department, Name: name}
	err := s.db.WithContext(ctx).
		Where(locationRow{Department: department, Name: name}).
		Attrs(locationRow{Latitude: lat, Longitude: lon}).
		FirstOrCreate(&row).Error
	if err != nil {
		return domain.Location{}, fmt.Errorf("upsert location %s/%s: %w", department, name, err)
	}

	if (row.Latitude == nil || row.Longitude == nil) && lat != nil && lon != nil {
		if err := s.SetLocationCoordinates(ctx, row.ID, *lat, *lon); err != nil {
			return domain.Location{}, err
		}
		row.Latitude, row.Longitude = lat, lon
	}
	return row.toDomain(), nil
}

// SetLocationCoordinates overwrites a location's coordinates.
func (s *Store) SetLocationCoordinates(ctx context.Context, id uint, lat, lon float64) error {
	err := s.db.WithContext(ctx).Model(&locationRow{}).Where("id = ?", id).
		Updates(map[string]any{"latitude": lat, "longitude": lon}).Error
	if err != nil {
		return fmt.Errorf("set coordinates for location %d: %w", id, err)
	}
	return nil
}

// ListLocations returns the locations of a department, or all locations when
// department is empty.
func (s *Store) ListLocations(ctx context.Context, department string) ([]domain.Location, error) {
	q := s.db.WithContext(ctx).Order("department, name")
	if department != "" {
		q = q.Where("department = ?", department)
	}
	var rows []locationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	out := make([]domain.Location, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// HasForecastsIssuedOn reports whether any location of the department has a
// forecast issued on the calendar day of day.
func (s *Store) HasForecastsIssuedOn(ctx context.Context, department string, day time.Time) (bool, error) {
	start := domain.StartOfDay(day).UTC()
	end := start.Add(24 * time.Hour)

	var count int64
	err := s.db.WithContext(ctx).Model(&forecastRow{}).
		Joins("JOIN locations ON locations.id = forecasts.location_id").
		Where("locations.department = ? AND forecasts.issued_at >= ? AND forecasts.issued_at < ?", department, start, end).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check forecasts for %s: %w", department, err)
	}
	return count > 0, nil
}

// SaveForecasts appends a location's forecasts. When replaceSameDay is set,
// rows of the location issued on the same calendar day as issuedAt are
// deleted first; older history is never touched. It returns the number of
// inserted and replaced rows.
func (s *Store) SaveForecasts(ctx context.Context, locationID uint, issuedAt time.Time, days []domain.DailyForecast, replaceSameDay bool) (inserted, replaced int, err error) {
	start := domain.StartOfDay(issuedAt).UTC()
	end := start.Add(24 * time.Hour)
	scrapedAt := s.db.NowFunc()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replaceSameDay {
			res := tx.Where("location_id = ? AND issued_at >= ? AND issued_at < ?", locationID, start, end).
				Delete(&forecastRow{})
			if res.Error != nil {
				return res.Error
			}
			replaced = int(res.RowsAffected)
		}
		if len(days) == 0 {
			return nil
		}

		rows := make([]forecastRow, len(days))
		for i, d := range days {
			rows[i] = forecastRow{
				LocationID:    locationID,
				TargetDate:    d.TargetDate.UTC(),
				IssuedAt:      issuedAt.UTC(),
				TempMax:       d.TempMax,
				TempMin:       d.TempMin,
				Condition:     string(d.Condition),
				Description:   d.Description,
				Precipitation: d.Precipitation,
				ScrapedAt:     scrapedAt,
			}
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return res.Error
		}
		inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("save forecasts for location %d: %w", locationID, err)
	}
	return inserted, replaced, nil
}

// LatestForecasts returns the forecasts of the most recent issue for a location.
func (s *Store) LatestForecasts(ctx context.Context, locationID uint) ([]domain.Forecast, error) {
	var latest forecastRow
	err := s.db.WithContext(ctx).Where("location_id = ?", locationID).
		Order("issued_at DESC").First(&latest).Error
	if err != nil {
		return nil, notFound(err)
	}

	var rows []forecastRow
	err = s.db.WithContext(ctx).
		Where("location_id = ? AND issued_at = ?", locationID, latest.IssuedAt).
		Order("target_date").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest forecasts for location %d: %w", locationID, err)
	}
	return forecastsToDomain(rows), nil
}

// ForecastHistory returns every issued forecast for a location and target
// date, oldest issue first.
func (s *Store) ForecastHistory(ctx context.Context, locationID uint, targetDate time.Time) ([]domain.Forecast, error) {
	var rows []forecastRow
	err := s.db.WithContext(ctx).
		Where("location_id = ? AND target_date = ?", locationID, targetDate.UTC()).
		Order("issued_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("forecast history for location %d: %w", locationID, err)
	}
	return forecastsToDomain(rows), nil
}

func forecastsToDomain(rows []forecastRow) []domain.Forecast {
	out := make([]domain.Forecast, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out
}
