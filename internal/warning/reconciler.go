// Package warning reconciles the per-department warning observations
// returned by the upstream API into one canonical row per warning number.
package warning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/keyedlock"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

// unitTimeout bounds the store work of a single warning. Units run detached
// from the job context so a cancelled job never leaves a half-written row.
const unitTimeout = 30 * time.Second

// Store is the persistence the reconciler needs.
type Store interface {
	GetWarning(ctx context.Context, number int) (domain.Warning, error)
	ListUnexpiredWarnings(ctx context.Context) ([]domain.Warning, error)
	InsertWarning(ctx context.Context, w domain.Warning) error
	UpdateWarning(ctx context.Context, w domain.Warning) error
	UpdateWarningStatus(ctx context.Context, number int, status domain.Status) error
}

// EventPublisher receives the lifecycle events produced by a reconcile or
// sweep. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.WarningEvent) error
}

// Result summarizes a Reconcile call. Eligible holds the warnings whose
// geometries must be (re)synchronized.
type Result struct {
	Found    int
	Saved    int
	Updated  int
	Failed   int
	Eligible []domain.Warning
}

// SweepResult summarizes a Sweep call.
type SweepResult struct {
	Checked int
	Changed int
	Expired int
}

// Reconciler merges raw observations into persisted warnings.
type Reconciler struct {
	store     Store
	locks     *keyedlock.Map[int]
	publisher EventPublisher
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. locks must be shared with the geometry
// synchronizer; publisher may be nil.
func NewReconciler(s Store, locks *keyedlock.Map[int], publisher EventPublisher, clock clockwork.Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     s,
		locks:     locks,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Sweep recomputes the status of every persisted warning that is not yet
// expired and writes only the ones that changed.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	warnings, err := r.store.ListUnexpiredWarnings(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: %w", err)
	}

	var res SweepResult
	var events []domain.WarningEvent
	for _, w := range warnings {
		if err := ctx.Err(); err != nil {
			r.publish(ctx, events)
			return res, err
		}
		res.Checked++

		event, changed, err := r.sweepOne(ctx, w.Number)
		if err != nil {
			r.logger.Warn("sweep failed", "warning_number", w.Number, "error", err)
			continue
		}
		if !changed {
			continue
		}
		res.Changed++
		if event.Warning.Status == domain.StatusVencido {
			res.Expired++
		}
		events = append(events, event)
	}

	r.publish(ctx, events)
	if res.Changed > 0 {
		r.logger.Info("warning statuses swept", "checked", res.Checked, "changed", res.Changed, "expired", res.Expired)
	}
	return res, nil
}

func (r *Reconciler) sweepOne(ctx context.Context, number int) (domain.WarningEvent, bool, error) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()
	unlock := r.locks.Lock(number)
	defer unlock()

	// Re-read under the lock; a concurrent reconcile may have moved the window.
	w, err := r.store.GetWarning(unitCtx, number)
	if err != nil {
		return domain.WarningEvent{}, false, err
	}
	now := r.clock.Now()
	status := domain.ComputeStatus(w.ValidFrom, w.ValidUntil, now)
	if status == w.Status {
		return domain.WarningEvent{}, false, nil
	}
	if err := r.store.UpdateWarningStatus(unitCtx, number, status); err != nil {
		return domain.WarningEvent{}, false, err
	}
	previous := w.Status
	w.Status = status
	return domain.WarningEvent{
		Type:           domain.EventStatusChanged,
		Warning:        w,
		PreviousStatus: previous,
		OccurredAt:     now,
	}, true, nil
}

// Reconcile groups the observations by warning number and inserts or
// updates one row per group. A group that fails is counted and logged; the
// remaining groups are still processed. Cancellation is checked between
// groups.
func (r *Reconciler) Reconcile(ctx context.Context, raws []domain.RawWarning) (Result, error) {
	groups := groupByNumber(raws)
	res := Result{Found: len(groups)}
	var events []domain.WarningEvent

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			r.publish(ctx, events)
			return res, err
		}
		number := group[0].Number
		out, err := r.reconcileGroup(ctx, group)
		if err != nil {
			res.Failed++
			r.logger.Warn("reconcile failed", "warning_number", number, "error", err)
			continue
		}
		switch {
		case out.inserted:
			res.Saved++
		case out.updated:
			res.Updated++
		}
		if out.event != nil {
			events = append(events, *out.event)
		}
		if out.warning.Status.Active() && !out.warning.GeometrySynced() {
			res.Eligible = append(res.Eligible, out.warning)
		}
	}

	r.publish(ctx, events)
	r.logger.Info("warnings reconciled",
		"found", res.Found, "saved", res.Saved, "updated", res.Updated,
		"failed", res.Failed, "eligible", len(res.Eligible))
	return res, nil
}

type groupOutcome struct {
	warning  domain.Warning
	inserted bool
	updated  bool
	event    *domain.WarningEvent
}

func (r *Reconciler) reconcileGroup(ctx context.Context, group []domain.RawWarning) (groupOutcome, error) {
	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()

	first := group[0]
	unlock := r.locks.Lock(first.Number)
	defer unlock()

	r.checkGroupIntegrity(group)
	var departments []string
	for _, obs := range group {
		departments = append(departments, obs.Department)
	}
	now := r.clock.Now()

	existing, err := r.store.GetWarning(unitCtx, first.Number)
	if errors.Is(err, store.ErrNotFound) {
		w := domain.Warning{
			Number:      first.Number,
			SenamhiID:   first.SenamhiID,
			Title:       first.Title,
			Description: first.Description,
			Hazard:      first.Hazard,
			Severity:    first.Severity,
			Status:      domain.ComputeStatus(first.ValidFrom, first.ValidUntil, now),
			ValidFrom:   first.ValidFrom,
			ValidUntil:  first.ValidUntil,
			IssuedAt:    first.IssuedAt,
			Departments: domain.UnionDepartments(nil, departments),
		}
		if err := r.store.InsertWarning(unitCtx, w); err != nil {
			return groupOutcome{}, err
		}
		return groupOutcome{
			warning:  w,
			inserted: true,
			event:    &domain.WarningEvent{Type: domain.EventCreated, Warning: w, OccurredAt: now},
		}, nil
	}
	if err != nil {
		return groupOutcome{}, err
	}

	merged := r.merge(existing, first, departments, now)
	if !changed(existing, merged) {
		return groupOutcome{warning: existing}, nil
	}
	if err := r.store.UpdateWarning(unitCtx, merged); err != nil {
		return groupOutcome{}, err
	}

	event := domain.WarningEvent{Type: domain.EventUpdated, Warning: merged, OccurredAt: now}
	if merged.Status != existing.Status {
		event.Type = domain.EventStatusChanged
		event.PreviousStatus = existing.Status
	}
	return groupOutcome{warning: merged, updated: true, event: &event}, nil
}

// merge applies an observation to the persisted warning. Departments only
// ever grow. A new validity window brings the incoming severity, hazard and
// title with it; inside the same window the persisted values stand.
func (r *Reconciler) merge(existing domain.Warning, obs domain.RawWarning, departments []string, now time.Time) domain.Warning {
	merged := existing
	merged.Departments = domain.UnionDepartments(existing.Departments, departments)

	if existing.SameWindow(obs.ValidFrom, obs.ValidUntil) {
		if existing.Severity != obs.Severity {
			r.mismatch(existing.Number, "severity", existing.Severity, obs.Severity)
		}
		if existing.Hazard != obs.Hazard {
			r.mismatch(existing.Number, "hazard", existing.Hazard, obs.Hazard)
		}
		switch {
		case existing.Title == "":
			merged.Title = obs.Title
		case obs.Title != "" && obs.Title != existing.Title:
			r.mismatch(existing.Number, "title", existing.Title, obs.Title)
		}
	} else {
		merged.ValidFrom = obs.ValidFrom
		merged.ValidUntil = obs.ValidUntil
		merged.Severity = obs.Severity
		merged.Hazard = obs.Hazard
		if obs.Title != "" {
			merged.Title = obs.Title
		}
	}

	if obs.Description != "" {
		merged.Description = obs.Description
	}
	if !obs.IssuedAt.IsZero() {
		merged.IssuedAt = obs.IssuedAt
	}
	if obs.SenamhiID != 0 {
		merged.SenamhiID = obs.SenamhiID
	}
	merged.Status = domain.ComputeStatus(merged.ValidFrom, merged.ValidUntil, now)
	return merged
}

func changed(before, after domain.Warning) bool {
	return before.Status != after.Status ||
		!before.SameWindow(after.ValidFrom, after.ValidUntil) ||
		!slices.Equal(before.Departments, after.Departments) ||
		before.Title != after.Title ||
		before.Description != after.Description ||
		before.Severity != after.Severity ||
		before.Hazard != after.Hazard ||
		!before.IssuedAt.Equal(after.IssuedAt) ||
		before.SenamhiID != after.SenamhiID
}

// checkGroupIntegrity logs observations of one number that disagree with the
// first one. The first observation wins.
func (r *Reconciler) checkGroupIntegrity(group []domain.RawWarning) {
	first := group[0]
	for _, obs := range group[1:] {
		if obs.Severity != first.Severity {
			r.mismatch(first.Number, "severity", first.Severity, obs.Severity, "department", obs.Department)
		}
		if obs.Hazard != first.Hazard {
			r.mismatch(first.Number, "hazard", first.Hazard, obs.Hazard, "department", obs.Department)
		}
		if obs.Title != first.Title {
			r.mismatch(first.Number, "title", first.Title, obs.Title, "department", obs.Department)
		}
		if !obs.ValidFrom.Equal(first.ValidFrom) || !obs.ValidUntil.Equal(first.ValidUntil) {
			r.mismatch(first.Number, "validity", first.ValidFrom.String()+" - "+first.ValidUntil.String(),
				obs.ValidFrom.String()+" - "+obs.ValidUntil.String(), "department", obs.Department)
		}
	}
}

func (r *Reconciler) mismatch(number int, field string, kept, ignored any, extra ...any) {
	args := append([]any{"warning_number", number, "field", field, "kept", kept, "ignored", ignored}, extra...)
	r.logger.Warn("warning integrity mismatch", args...)
}

func (r *Reconciler) publish(ctx context.Context, events []domain.WarningEvent) {
	if r.publisher == nil || len(events) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, events); err != nil {
		r.logger.Warn("publish warning events failed", "count", len(events), "error", err)
	}
}

// groupByNumber groups observations by warning number in first-seen order.
func groupByNumber(raws []domain.RawWarning) [][]domain.RawWarning {
	index := make(map[int]int)
	var groups [][]domain.RawWarning
	for _, raw := range raws {
		i, ok := index[raw.Number]
		if !ok {
			i = len(groups)
			index[raw.Number] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], raw)
	}
	return groups
}
