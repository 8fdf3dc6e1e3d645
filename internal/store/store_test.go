package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestOpen(t *testing.T) {
	_, err := store.Open("oracle://db")
	require.Error(t, err)

	_, err = store.Open("sqlite://")
	require.Error(t, err)

	s, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "nested", "weather.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sqlite", s.Dialect())
	require.NoError(t, s.CheckReadiness(context.Background()))
}

func TestUpsertLocation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	loc, err := s.UpsertLocation(ctx, "LIMA", "Miraflores", nil, nil)
	require.NoError(t, err)
	assert.False(t, loc.HasCoordinates())

	again, err := s.UpsertLocation(ctx, "LIMA", "Miraflores", ptr(-12.12), ptr(-77.03))
	require.NoError(t, err)
	assert.Equal(t, loc.ID, again.ID)
	require.True(t, again.HasCoordinates())
	assert.InDelta(t, -12.12, *again.Latitude, 1e-9)

	// Existing coordinates are kept.
	third, err := s.UpsertLocation(ctx, "LIMA", "Miraflores", ptr(1.0), ptr(2.0))
	require.NoError(t, err)
	assert.InDelta(t, -12.12, *third.Latitude, 1e-9)

	_, err = s.UpsertLocation(ctx, "CUSCO", "Cusco", nil, nil)
	require.NoError(t, err)

	all, err := s.ListLocations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "CUSCO", all[0].Department)

	lima, err := s.ListLocations(ctx, "LIMA")
	require.NoError(t, err)
	require.Len(t, lima, 1)
	assert.Equal(t, "Miraflores", lima[0].Name)
}

func forecastDays(start time.Time, n int) []domain.DailyForecast {
	days := make([]domain.DailyForecast, n)
	for i := range days {
		days[i] = domain.DailyForecast{
			TargetDate: start.AddDate(0, 0, i),
			TempMax:    24 + i,
			TempMin:    16,
			Condition:  domain.ConditionCloudy,
		}
	}
	return days
}

func TestSaveForecasts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	loc, err := s.UpsertLocation(ctx, "LIMA", "Lima", nil, nil)
	require.NoError(t, err)

	yesterday := time.Date(2025, 11, 18, 8, 0, 0, 0, domain.PeruTime)
	morning := time.Date(2025, 11, 19, 8, 0, 0, 0, domain.PeruTime)
	evening := time.Date(2025, 11, 19, 18, 0, 0, 0, domain.PeruTime)
	target := time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC)

	inserted, replaced, err := s.SaveForecasts(ctx, loc.ID, yesterday, forecastDays(target, 3), false)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Zero(t, replaced)

	inserted, _, err = s.SaveForecasts(ctx, loc.ID, morning, forecastDays(target, 3), false)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	// Same issue again is ignored.
	inserted, _, err = s.SaveForecasts(ctx, loc.ID, morning, forecastDays(target, 3), false)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	has, err := s.HasForecastsIssuedOn(ctx, "LIMA", evening)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasForecastsIssuedOn(ctx, "CUSCO", evening)
	require.NoError(t, err)
	assert.False(t, has)

	inserted, replaced, err = s.SaveForecasts(ctx, loc.ID, evening, forecastDays(target, 2), true)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 3, replaced)

	latest, err := s.LatestForecasts(ctx, loc.ID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.True(t, latest[0].IssuedAt.Equal(evening))
	assert.True(t, latest[0].TargetDate.Equal(target))

	history, err := s.ForecastHistory(ctx, loc.ID, target)
	require.NoError(t, err)
	require.Len(t, history, 2, "yesterday's issue survives the same-day replace")
	assert.True(t, history[0].IssuedAt.Equal(yesterday))

	_, err = s.LatestForecasts(ctx, loc.ID+100)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func sampleWarning(number int, status domain.Status, until time.Time) domain.Warning {
	return domain.Warning{
		Number:      number,
		SenamhiID:   9000 + number,
		Title:       "Lluvias de moderada a fuerte intensidad",
		Hazard:      domain.HazardRain,
		Severity:    domain.SeverityOrange,
		Status:      status,
		ValidFrom:   until.Add(-48 * time.Hour),
		ValidUntil:  until,
		IssuedAt:    until.Add(-60 * time.Hour),
		Departments: []string{"CUSCO", "PUNO"},
	}
}

func TestWarnings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	until := time.Date(2025, 11, 21, 23, 59, 0, 0, time.UTC)

	require.NoError(t, s.InsertWarning(ctx, sampleWarning(410, domain.StatusVigente, until)))
	require.NoError(t, s.InsertWarning(ctx, sampleWarning(411, domain.StatusEmitido, until.Add(24*time.Hour))))
	require.NoError(t, s.InsertWarning(ctx, sampleWarning(400, domain.StatusVencido, until.Add(-96*time.Hour))))
	require.Error(t, s.InsertWarning(ctx, sampleWarning(410, domain.StatusVigente, until)), "number is unique")

	w, err := s.GetWarning(ctx, 410)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityOrange, w.Severity)
	assert.Equal(t, []string{"CUSCO", "PUNO"}, w.Departments)
	assert.True(t, w.ValidUntil.Equal(until))
	assert.False(t, w.GeometrySynced())

	_, err = s.GetWarning(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)

	active, err := s.ListActiveWarnings(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, 411, active[0].Number, "most recently issued first")

	unexpired, err := s.ListUnexpiredWarnings(ctx)
	require.NoError(t, err)
	require.Len(t, unexpired, 2)
	assert.Equal(t, 410, unexpired[0].Number)

	w.Severity = domain.SeverityRed
	w.Departments = []string{"CUSCO", "PUNO", "APURIMAC"}
	require.NoError(t, s.UpdateWarning(ctx, w))
	w, err = s.GetWarning(ctx, 410)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityRed, w.Severity)
	assert.Len(t, w.Departments, 3)

	missing := sampleWarning(999, domain.StatusVigente, until)
	require.ErrorIs(t, s.UpdateWarning(ctx, missing), store.ErrNotFound)

	require.NoError(t, s.UpdateWarningStatus(ctx, 410, domain.StatusVencido))
	require.ErrorIs(t, s.UpdateWarningStatus(ctx, 999, domain.StatusVencido), store.ErrNotFound)

	expired, err := s.ListWarningsByStatus(ctx, domain.StatusVencido)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
}

const square = `{"type":"MultiPolygon","coordinates":[[[[-72,-13],[-71,-13],[-71,-14],[-72,-13]]]]}`

func TestReplaceGeometries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	until := time.Date(2025, 11, 21, 23, 59, 0, 0, time.UTC)
	w := sampleWarning(410, domain.StatusVigente, until)
	require.NoError(t, s.InsertWarning(ctx, w))

	records := []domain.GeometryRecord{
		{Day: 1, Level: 3, Geometry: json.RawMessage(square)},
		{Day: 1, Level: 2, Geometry: json.RawMessage(square)},
		{Day: 2, Level: 3, Geometry: json.RawMessage(square)},
	}
	require.NoError(t, s.ReplaceGeometries(ctx, store.GeometryReplacement{
		WarningNumber: 410,
		Records:       records,
		ValidFrom:     w.ValidFrom,
		ValidUntil:    w.ValidUntil,
		Complete:      true,
	}))

	got, err := s.GetWarning(ctx, 410)
	require.NoError(t, err)
	assert.True(t, got.GeometrySynced())

	all, err := s.GetGeometries(ctx, 410, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.JSONEq(t, square, string(all[0].Geometry))

	dayTwo, err := s.GetGeometries(ctx, 410, ptr(2))
	require.NoError(t, err)
	require.Len(t, dayTwo, 1)
	assert.Equal(t, 3, dayTwo[0].Level)

	days, err := s.GeometryDays(ctx, 410)
	require.NoError(t, err)
	assert.Equal(t, 2, days)

	// A replacement drops the previous set.
	require.NoError(t, s.ReplaceGeometries(ctx, store.GeometryReplacement{
		WarningNumber: 410,
		Records:       records[:1],
		ValidFrom:     w.ValidFrom,
		ValidUntil:    w.ValidUntil.Add(24 * time.Hour),
		Complete:      false,
	}))
	all, err = s.GetGeometries(ctx, 410, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	got, err = s.GetWarning(ctx, 410)
	require.NoError(t, err)
	assert.False(t, got.GeometrySynced())

	err = s.ReplaceGeometries(ctx, store.GeometryReplacement{WarningNumber: 999})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteExpiredWarnings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)

	old := sampleWarning(300, domain.StatusVencido, now.AddDate(0, -2, 0))
	recent := sampleWarning(301, domain.StatusVencido, now.AddDate(0, 0, -3))
	live := sampleWarning(302, domain.StatusVigente, now.AddDate(0, -2, 0))
	for _, w := range []domain.Warning{old, recent, live} {
		require.NoError(t, s.InsertWarning(ctx, w))
	}
	require.NoError(t, s.ReplaceGeometries(ctx, store.GeometryReplacement{
		WarningNumber: 300,
		Records:       []domain.GeometryRecord{{Day: 1, Level: 2, Geometry: json.RawMessage(square)}},
		ValidFrom:     old.ValidFrom,
		ValidUntil:    old.ValidUntil,
		Complete:      true,
	}))

	cutoff := now.AddDate(0, 0, -30)
	numbers, err := s.DeleteExpiredWarnings(ctx, cutoff, true)
	require.NoError(t, err)
	assert.Equal(t, []int{300}, numbers)
	_, err = s.GetWarning(ctx, 300)
	require.NoError(t, err, "dry run keeps rows")

	numbers, err = s.DeleteExpiredWarnings(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Equal(t, []int{300}, numbers)
	_, err = s.GetWarning(ctx, 300)
	require.ErrorIs(t, err, store.ErrNotFound)
	geoms, err := s.GetGeometries(ctx, 300, nil)
	require.NoError(t, err)
	assert.Empty(t, geoms)

	numbers, err = s.DeleteExpiredWarnings(ctx, cutoff, false)
	require.NoError(t, err)
	assert.Empty(t, numbers)
}

func TestRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	start := time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)

	runs := []domain.ScrapeRun{
		{ID: "run-1", Kind: domain.JobForecast, Trigger: domain.TriggerStartup, Status: domain.RunRunning, StartedAt: start},
		{ID: "run-2", Kind: domain.JobWarning, Trigger: domain.TriggerSchedule, Status: domain.RunRunning, StartedAt: start.Add(time.Minute)},
		{ID: "run-3", Kind: domain.JobWarning, Trigger: domain.TriggerManual, Status: domain.RunRunning, StartedAt: start.Add(2 * time.Hour)},
	}
	for _, r := range runs {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	finished := start.Add(90 * time.Second)
	done := runs[1]
	done.Status = domain.RunSuccess
	done.FinishedAt = &finished
	done.DurationSeconds = 30
	done.Attempts = 1
	done.Counts = domain.Counts{Found: 4, Saved: 1, Updated: 2}
	done.Details = map[string]int{"geometries_synced": 1}
	require.NoError(t, s.FinishRun(ctx, done))
	require.ErrorIs(t, s.FinishRun(ctx, done), store.ErrRunClosed)

	got, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, got.Status)
	assert.Equal(t, domain.TriggerSchedule, got.Trigger)
	assert.Equal(t, domain.Counts{Found: 4, Saved: 1, Updated: 2}, got.Counts)
	assert.Equal(t, 1, got.Details["geometries_synced"])
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListRuns(ctx, store.RunFilter{Kind: domain.JobWarning})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-3", list[0].ID, "newest first")

	list, err = s.ListRuns(ctx, store.RunFilter{Status: domain.RunRunning, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-3", list[0].ID)

	last, err := s.LastFinishedRun(ctx, domain.JobWarning)
	require.NoError(t, err)
	assert.Equal(t, "run-2", last.ID)
	_, err = s.LastFinishedRun(ctx, domain.JobShapefile)
	require.ErrorIs(t, err, store.ErrNotFound)

	closed, err := s.FailStaleRuns(ctx, start.Add(time.Hour), start.Add(3*time.Hour), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	stale, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stale.Status)
	assert.Equal(t, "interrupted", stale.ErrorMessage)

	fresh, err := s.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, fresh.Status)
}
