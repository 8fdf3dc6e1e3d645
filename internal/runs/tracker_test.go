package runs_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
	"github.com/couchcryptid/senamhi-tracker-service/internal/runs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T) (*runs.Tracker, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	s, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC))
	return runs.NewTracker(s, clock, discardLogger(), observability.NewMetricsForTesting()), s, clock
}

func TestTrack_Success(t *testing.T) {
	tracker, s, clock := newTracker(t)
	ctx := context.Background()

	run, err := tracker.Track(ctx, domain.JobWarning, domain.TriggerSchedule, func(context.Context) (runs.Outcome, error) {
		clock.Advance(90 * time.Second)
		return runs.Outcome{
			Counts:   domain.Counts{Found: 4, Saved: 1, Updated: 2},
			Details:  map[string]int{"departments_failed": 1},
			Attempts: 1,
		}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.InDelta(t, 90.0, run.DurationSeconds, 0.001)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, stored.Status)
	assert.Equal(t, domain.Counts{Found: 4, Saved: 1, Updated: 2}, stored.Counts)
	assert.Equal(t, 1, stored.Details["departments_failed"])
	assert.Equal(t, domain.TriggerSchedule, stored.Trigger)
	require.NotNil(t, stored.FinishedAt)
	assert.Empty(t, stored.ErrorMessage)
}

func TestTrack_FailureRecordsError(t *testing.T) {
	tracker, s, _ := newTracker(t)
	ctx := context.Background()

	run, err := tracker.Track(ctx, domain.JobForecast, domain.TriggerManual, func(context.Context) (runs.Outcome, error) {
		return runs.Outcome{Attempts: 3}, errors.New("all departments failed")
	})
	require.Error(t, err)

	stored, getErr := s.GetRun(ctx, run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Equal(t, "all departments failed", stored.ErrorMessage)
	assert.Equal(t, 3, stored.Attempts)
}

func TestTrack_Skipped(t *testing.T) {
	tracker, _, _ := newTracker(t)

	run, err := tracker.Track(context.Background(), domain.JobForecast, domain.TriggerSchedule, func(context.Context) (runs.Outcome, error) {
		return runs.Outcome{Skipped: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSkipped, run.Status)
}

func TestTrack_PanicClosesRun(t *testing.T) {
	tracker, s, _ := newTracker(t)
	ctx := context.Background()

	run, err := tracker.Track(ctx, domain.JobShapefile, domain.TriggerSchedule, func(context.Context) (runs.Outcome, error) {
		panic("decoder exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder exploded")

	stored, getErr := s.GetRun(ctx, run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "decoder exploded")
}

func TestTrack_CancelledContextStillCloses(t *testing.T) {
	tracker, s, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())

	run, err := tracker.Track(ctx, domain.JobWarning, domain.TriggerSchedule, func(ctx context.Context) (runs.Outcome, error) {
		cancel()
		return runs.Outcome{}, ctx.Err()
	})
	require.Error(t, err)

	stored, getErr := s.GetRun(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunFailed, stored.Status)
}

func TestFinish_OnlyOnce(t *testing.T) {
	tracker, _, _ := newTracker(t)
	ctx := context.Background()

	run, err := tracker.Start(ctx, domain.JobWarning, domain.TriggerManual)
	require.NoError(t, err)

	_, err = tracker.Finish(ctx, run, runs.Outcome{}, nil)
	require.NoError(t, err)

	_, err = tracker.Finish(ctx, run, runs.Outcome{}, errors.New("late failure"))
	require.ErrorIs(t, err, store.ErrRunClosed)
}

func TestRepair_FailsStaleRuns(t *testing.T) {
	tracker, s, clock := newTracker(t)
	ctx := context.Background()

	stale, err := tracker.Start(ctx, domain.JobWarning, domain.TriggerSchedule)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	fresh, err := tracker.Start(ctx, domain.JobForecast, domain.TriggerSchedule)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	n, err := tracker.Repair(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "interrupted by restart", got.ErrorMessage)

	got, err = s.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, got.Status)

	n, err = tracker.Repair(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := s.ListRuns(ctx, store.RunFilter{Status: domain.RunRunning})
	require.NoError(t, err)
	assert.Empty(t, left)
}
