package domain

import "time"

// Location is a forecast point, unique by (department, name).
type Location struct {
	ID         uint     `json:"id"`
	Department string   `json:"department"`
	Name       string   `json:"name"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both coordinates are set.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// Condition is the weather icon label of a daily forecast.
type Condition string

const (
	ConditionClear        Condition = "clear"
	ConditionPartlyCloudy Condition = "partly_cloudy"
	ConditionCloudy       Condition = "cloudy"
	ConditionRain         Condition = "rain"
	ConditionStorm        Condition = "storm"
	ConditionUnknown      Condition = "unknown"
)

// DailyForecast is one day of a location forecast as scraped.
type DailyForecast struct {
	TargetDate    time.Time `json:"target_date"`
	DayName       string    `json:"day_name"`
	TempMax       int       `json:"temp_max"`
	TempMin       int       `json:"temp_min"`
	Condition     Condition `json:"condition"`
	Description   string    `json:"description"`
	Precipitation *float64  `json:"precipitation,omitempty"`
}

// RawForecast is the scraped forecast block of one location.
type RawForecast struct {
	Department string          `json:"department"`
	Location   string          `json:"location"`
	IssuedAt   time.Time       `json:"issued_at"`
	Days       []DailyForecast `json:"days"`
}

// Forecast is a persisted daily forecast. Rows are append-only per
// (location, target date, issue timestamp).
type Forecast struct {
	ID            uint      `json:"id"`
	LocationID    uint      `json:"location_id"`
	IssuedAt      time.Time `json:"issued_at"`
	TargetDate    time.Time `json:"target_date"`
	TempMax       int       `json:"temp_max"`
	TempMin       int       `json:"temp_min"`
	Condition     Condition `json:"condition"`
	Description   string    `json:"description"`
	Precipitation *float64  `json:"precipitation,omitempty"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// SameCalendarDay reports whether a and b fall on the same day in Peru time.
func SameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.In(PeruTime).Date()
	by, bm, bd := b.In(PeruTime).Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay returns midnight of t's calendar day in Peru time.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(PeruTime).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, PeruTime)
}
