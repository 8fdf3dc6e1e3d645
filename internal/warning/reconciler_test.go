package warning_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/keyedlock"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
	"github.com/couchcryptid/senamhi-tracker-service/internal/warning"
)

var (
	day0  = time.Date(2025, 11, 19, 0, 0, 0, 0, domain.PeruTime)
	until = time.Date(2025, 11, 21, 23, 59, 0, 0, domain.PeruTime)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reconciler *warning.Reconciler
	store      *store.Store
	clock      *clockwork.FakeClock
	publisher  *mockPublisher
}

func newFixture(t *testing.T, now time.Time, logger *slog.Logger) fixture {
	t.Helper()
	s, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := clockwork.NewFakeClockAt(now)
	pub := &mockPublisher{}
	if logger == nil {
		logger = discardLogger()
	}
	return fixture{
		reconciler: warning.NewReconciler(s, keyedlock.New[int](), pub, clock, logger),
		store:      s,
		clock:      clock,
		publisher:  pub,
	}
}

func raw418(department string) domain.RawWarning {
	return domain.RawWarning{
		SenamhiID:   9120,
		Number:      418,
		Department:  department,
		Title:       "Lluvias de moderada a fuerte intensidad",
		Description: "Se prevén lluvias.",
		Hazard:      domain.HazardRain,
		Severity:    domain.SeverityOrange,
		ValidFrom:   day0,
		ValidUntil:  until,
		IssuedAt:    day0.Add(-8 * time.Hour),
	}
}

func TestReconcile_MergesDepartments(t *testing.T) {
	f := newFixture(t, day0.Add(36*time.Hour), nil)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)

	res, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("ANCASH"), raw418("Huánuco")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found)
	assert.Equal(t, 0, res.Saved)
	assert.Equal(t, 1, res.Updated)

	w, err := f.store.GetWarning(ctx, 418)
	require.NoError(t, err)
	assert.Equal(t, []string{"ANCASH", "HUANUCO", "LIMA"}, w.Departments)
	assert.Equal(t, domain.StatusVigente, w.Status)
	assert.Equal(t, domain.SeverityOrange, w.Severity)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t, day0.Add(-2*time.Hour), nil)
	ctx := context.Background()
	batch := []domain.RawWarning{raw418("LIMA"), raw418("CUSCO")}

	first, err := f.reconciler.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Saved)
	require.Len(t, first.Eligible, 1)
	assert.Equal(t, domain.StatusEmitido, first.Eligible[0].Status)

	second, err := f.reconciler.Reconcile(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Found)
	assert.Zero(t, second.Saved)
	assert.Zero(t, second.Updated)
	assert.Len(t, second.Eligible, 1, "still eligible until geometries are synced")

	assert.Len(t, f.publisher.events(), 1, "only the insert is published")
}

func TestReconcile_DepartmentsNeverShrink(t *testing.T) {
	f := newFixture(t, day0.Add(time.Hour), nil)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA"), raw418("ICA"), raw418("PUNO")})
	require.NoError(t, err)

	res, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("ICA")})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)

	w, err := f.store.GetWarning(ctx, 418)
	require.NoError(t, err)
	assert.Equal(t, []string{"ICA", "LIMA", "PUNO"}, w.Departments)
}

func TestReconcile_IntegrityMismatchKeepsPersisted(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f := newFixture(t, day0.Add(time.Hour), logger)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)

	red := raw418("CUSCO")
	red.Severity = domain.SeverityRed
	red.Title = "Lluvias de fuerte intensidad"
	res, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{red})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated, "department added")

	w, err := f.store.GetWarning(ctx, 418)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityOrange, w.Severity)
	assert.Equal(t, raw418("LIMA").Title, w.Title)
	assert.Contains(t, logs.String(), "warning integrity mismatch")
	assert.Contains(t, logs.String(), "field=title")
}

func TestReconcile_GroupMismatchFirstWins(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	f := newFixture(t, day0.Add(time.Hour), logger)

	second := raw418("CUSCO")
	second.Hazard = domain.HazardSnow
	second.Title = "Nevadas"
	_, err := f.reconciler.Reconcile(context.Background(), []domain.RawWarning{raw418("LIMA"), second})
	require.NoError(t, err)

	w, err := f.store.GetWarning(context.Background(), 418)
	require.NoError(t, err)
	assert.Equal(t, domain.HazardRain, w.Hazard)
	assert.Equal(t, raw418("LIMA").Title, w.Title)
	assert.Equal(t, []string{"CUSCO", "LIMA"}, w.Departments)
	assert.Contains(t, logs.String(), "field=hazard")
	assert.Contains(t, logs.String(), "field=title")
}

func TestReconcile_WindowChangeMakesEligible(t *testing.T) {
	f := newFixture(t, day0.Add(time.Hour), nil)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)
	require.NoError(t, f.store.ReplaceGeometries(ctx, store.GeometryReplacement{
		WarningNumber: 418,
		Records:       []domain.GeometryRecord{{Day: 1, Level: 3, Geometry: []byte(`{"type":"MultiPolygon","coordinates":[]}`)}},
		ValidFrom:     day0,
		ValidUntil:    until,
		Complete:      true,
	}))

	res, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)
	assert.Empty(t, res.Eligible, "synced for the current window")

	extended := raw418("LIMA")
	extended.ValidUntil = until.Add(24 * time.Hour)
	extended.Severity = domain.SeverityRed
	extended.Title = "Lluvias de fuerte intensidad"
	res, err = f.reconciler.Reconcile(ctx, []domain.RawWarning{extended})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Eligible, 1)

	w, err := f.store.GetWarning(ctx, 418)
	require.NoError(t, err)
	assert.True(t, w.ValidUntil.Equal(extended.ValidUntil))
	assert.Equal(t, domain.SeverityRed, w.Severity, "new window brings the new severity")
	assert.Equal(t, extended.Title, w.Title)
	assert.False(t, w.GeometrySynced())
}

func TestReconcile_ExpiredNotEligible(t *testing.T) {
	f := newFixture(t, until.Add(time.Hour), nil)

	res, err := f.reconciler.Reconcile(context.Background(), []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Empty(t, res.Eligible)

	w, err := f.store.GetWarning(context.Background(), 418)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVencido, w.Status)
}

func TestReconcile_PublisherFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, day0, nil)
	f.publisher.err = errors.New("broker down")

	res, err := f.reconciler.Reconcile(context.Background(), []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
}

func TestReconcile_CancelledBetweenGroups(t *testing.T) {
	f := newFixture(t, day0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	other := raw418("LIMA")
	other.Number = 419
	res, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA"), other})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Saved)
}

func TestSweep_TransitionsStatus(t *testing.T) {
	f := newFixture(t, day0.Add(-time.Hour), nil)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, []domain.RawWarning{raw418("LIMA")})
	require.NoError(t, err)

	res, err := f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Changed)

	f.clock.Advance(2 * time.Hour)
	res, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changed)
	w, err := f.store.GetWarning(ctx, 418)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVigente, w.Status)

	f.clock.Advance(4 * 24 * time.Hour)
	res, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	res, err = f.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Checked, "expired warnings are no longer swept")

	events := f.publisher.events()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventStatusChanged, events[2].Type)
	assert.Equal(t, domain.StatusVigente, events[2].PreviousStatus)
	assert.Equal(t, domain.StatusVencido, events[2].Warning.Status)
}

// --- mocks ---

type mockPublisher struct {
	mu  sync.Mutex
	got []domain.WarningEvent
	err error
}

func (m *mockPublisher) Publish(_ context.Context, events []domain.WarningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.got = append(m.got, events...)
	return nil
}

func (m *mockPublisher) events() []domain.WarningEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WarningEvent(nil), m.got...)
}
