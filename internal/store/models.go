package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

type locationRow struct {
	ID         uint   `gorm:"primaryKey"`
	Department string `gorm:"size:64;not null;uniqueIndex:idx_location_department_name"`
	Name       string `gorm:"size:128;not null;uniqueIndex:idx_location_department_name"`
	Latitude   *float64
	Longitude  *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (locationRow) TableName() string { return "locations" }

func (r locationRow) toDomain() domain.Location {
	return domain.Location{
		ID:         r.ID,
		Department: r.Department,
		Name:       r.Name,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
	}
}

type forecastRow struct {
	ID            uint         `gorm:"primaryKey"`
	LocationID    uint         `gorm:"not null;uniqueIndex:idx_forecast_location_target_issued"`
	Location      *locationRow `gorm:"foreignKey:LocationID;constraint:OnDelete:CASCADE"`
	TargetDate    time.Time    `gorm:"not null;uniqueIndex:idx_forecast_location_target_issued"`
	IssuedAt      time.Time    `gorm:"not null;uniqueIndex:idx_forecast_location_target_issued;index"`
	TempMax       int
	TempMin       int
	Condition     string `gorm:"size:32"`
	Description   string `gorm:"size:512"`
	Precipitation *float64
	ScrapedAt     time.Time
}

func (forecastRow) TableName() string { return "forecasts" }

func (r forecastRow) toDomain() domain.Forecast {
	return domain.Forecast{
		ID:            r.ID,
		LocationID:    r.LocationID,
		IssuedAt:      r.IssuedAt,
		TargetDate:    r.TargetDate,
		TempMax:       r.TempMax,
		TempMin:       r.TempMin,
		Condition:     domain.Condition(r.Condition),
		Description:   r.Description,
		Precipitation: r.Precipitation,
		ScrapedAt:     r.ScrapedAt,
	}
}

type warningRow struct {
	ID               uint   `gorm:"primaryKey"`
	Number           int    `gorm:"not null;uniqueIndex"`
	SenamhiID        int    `gorm:"index"`
	Title            string `gorm:"size:512"`
	Description      string `gorm:"type:text"`
	Hazard           string `gorm:"size:32"`
	Severity         string `gorm:"size:16"`
	Status           string `gorm:"size:16;index"`
	ValidFrom        time.Time
	ValidUntil       time.Time `gorm:"index"`
	IssuedAt         time.Time
	Departments      datatypes.JSON
	GeometryFrom     *time.Time
	GeometryUntil    *time.Time
	GeometryComplete bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (warningRow) TableName() string { return "warnings" }

func (r warningRow) toDomain() domain.Warning {
	var departments []string
	if len(r.Departments) > 0 {
		_ = json.Unmarshal(r.Departments, &departments)
	}
	return domain.Warning{
		Number:           r.Number,
		SenamhiID:        r.SenamhiID,
		Title:            r.Title,
		Description:      r.Description,
		Hazard:           domain.Hazard(r.Hazard),
		Severity:         domain.Severity(r.Severity),
		Status:           domain.Status(r.Status),
		ValidFrom:        r.ValidFrom,
		ValidUntil:       r.ValidUntil,
		IssuedAt:         r.IssuedAt,
		Departments:      departments,
		GeometryFrom:     r.GeometryFrom,
		GeometryUntil:    r.GeometryUntil,
		GeometryComplete: r.GeometryComplete,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func warningRowFrom(w domain.Warning) (warningRow, error) {
	departments, err := json.Marshal(w.Departments)
	if err != nil {
		return warningRow{}, err
	}
	return warningRow{
		Number:           w.Number,
		SenamhiID:        w.SenamhiID,
		Title:            w.Title,
		Description:      w.Description,
		Hazard:           string(w.Hazard),
		Severity:         string(w.Severity),
		Status:           string(w.Status),
		ValidFrom:        w.ValidFrom.UTC(),
		ValidUntil:       w.ValidUntil.UTC(),
		IssuedAt:         w.IssuedAt.UTC(),
		Departments:      datatypes.JSON(departments),
		GeometryFrom:     utcPtr(w.GeometryFrom),
		GeometryUntil:    utcPtr(w.GeometryUntil),
		GeometryComplete: w.GeometryComplete,
	}, nil
}

type geometryRow struct {
	ID            uint        `gorm:"primaryKey"`
	WarningID     uint        `gorm:"not null;index"`
	Warning       *warningRow `gorm:"foreignKey:WarningID;constraint:OnDelete:CASCADE"`
	WarningNumber int         `gorm:"not null;index:idx_geometry_number_day"`
	Day           int         `gorm:"not null;index:idx_geometry_number_day"`
	Level         int
	Geometry      datatypes.JSON
	CreatedAt     time.Time
}

func (geometryRow) TableName() string { return "warning_geometries" }

func (r geometryRow) toDomain() domain.GeometryRecord {
	return domain.GeometryRecord{
		ID:            r.ID,
		WarningNumber: r.WarningNumber,
		Day:           r.Day,
		Level:         r.Level,
		Geometry:      json.RawMessage(r.Geometry),
		CreatedAt:     r.CreatedAt,
	}
}

type runRow struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Kind            string    `gorm:"size:16;not null;index:idx_run_kind_started"`
	Trigger         string    `gorm:"column:run_trigger;size:16"`
	Status          string    `gorm:"size:16;not null;index"`
	StartedAt       time.Time `gorm:"not null;index:idx_run_kind_started"`
	FinishedAt      *time.Time
	DurationSeconds float64
	Attempts        int
	ItemsFound      int
	ItemsSaved      int
	ItemsUpdated    int
	ItemsFailed     int
	Details         datatypes.JSON
	ErrorMessage    string `gorm:"type:text"`
}

func (runRow) TableName() string { return "scrape_runs" }

func (r runRow) toDomain() domain.ScrapeRun {
	var details map[string]int
	if len(r.Details) > 0 {
		_ = json.Unmarshal(r.Details, &details)
	}
	return domain.ScrapeRun{
		ID:              r.ID,
		Kind:            domain.JobKind(r.Kind),
		Trigger:         domain.Trigger(r.Trigger),
		Status:          domain.RunStatus(r.Status),
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationSeconds: r.DurationSeconds,
		Attempts:        r.Attempts,
		Counts: domain.Counts{
			Found:   r.ItemsFound,
			Saved:   r.ItemsSaved,
			Updated: r.ItemsUpdated,
			Failed:  r.ItemsFailed,
		},
		Details:      details,
		ErrorMessage: r.ErrorMessage,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
