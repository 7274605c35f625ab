// Package reconcile merges a freshly fetched event set into the persisted
// appointments of one user.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"plannersync/internal/models"
	"plannersync/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Repository) error) error
}

// Result counts what a reconcile changed.
type Result struct {
	Inserted   int
	Updated    int
	Unchanged  int
	Deleted    int
	Suppressed int
}

// Upserted returns the number of rows written by the upsert pass.
func (r Result) Upserted() int {
	return r.Inserted + r.Updated
}

// Plan is the set of writes needed to converge persisted state with an
// incoming event set.
type Plan struct {
	Deletes    []models.Appointment
	Inserts    []models.Appointment
	Updates    []models.Appointment
	Unchanged  int
	Suppressed int
}

// Result returns the counts the plan produces once applied.
func (p Plan) Result() Result {
	return Result{
		Inserted:   len(p.Inserts),
		Updated:    len(p.Updates),
		Unchanged:  p.Unchanged,
		Deleted:    len(p.Deletes),
		Suppressed: p.Suppressed,
	}
}

// BuildPlan computes the writes for one user. Only appointments whose
// calendar is in calendars can be deleted; tombstoned external ids are never
// written and any surviving rows for them in those calendars are removed.
func BuildPlan(userID int64, calendars []string, existing []models.Appointment, tombstones []models.Tombstone, incoming []models.NormalizedEvent, now time.Time) Plan {
	var plan Plan

	tombstoned := make(map[string]bool, len(tombstones))
	for _, t := range tombstones {
		tombstoned[t.ExternalID] = true
	}

	synced := make(map[string]bool, len(calendars))
	for _, c := range calendars {
		synced[c] = true
	}

	// Collapse by external id; the first occurrence wins.
	seen := make(map[string]bool, len(incoming))
	events := make([]models.NormalizedEvent, 0, len(incoming))
	for _, ev := range incoming {
		if ev.ExternalID == "" || seen[ev.ExternalID] {
			continue
		}
		seen[ev.ExternalID] = true
		events = append(events, ev)
	}

	byExternalID := make(map[string]models.Appointment, len(existing))
	for _, a := range existing {
		if a.ExternalID == nil {
			continue
		}
		extID := *a.ExternalID
		if synced[a.CalendarIDValue()] && (!seen[extID] || tombstoned[extID]) {
			plan.Deletes = append(plan.Deletes, a)
			continue
		}
		byExternalID[extID] = a
	}

	for _, ev := range events {
		if tombstoned[ev.ExternalID] {
			plan.Suppressed++
			continue
		}
		current, ok := byExternalID[ev.ExternalID]
		if !ok {
			plan.Inserts = append(plan.Inserts, models.SyncedFrom(userID, ev, now))
			continue
		}
		if current.SyncedFieldsEqual(ev) {
			plan.Unchanged++
			continue
		}
		current.ApplySynced(ev, now)
		plan.Updates = append(plan.Updates, current)
	}

	return plan
}

// Engine applies plans against a Store.
type Engine struct {
	logger *slog.Logger
	store  Store
	now    func() time.Time
}

// New creates an Engine that writes through s.
func New(logger *slog.Logger, s Store) *Engine {
	return &Engine{
		logger: logger,
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile loads the user's tombstones and appointments, builds a plan and
// applies it, all inside one transaction. Repeating a call with the same
// input is a no-op.
func (e *Engine) Reconcile(ctx context.Context, userID int64, calendars []string, incoming []models.NormalizedEvent) (Result, error) {
	var result Result
	err := e.store.WithTx(ctx, func(repo store.Repository) error {
		tombstones, err := repo.ListTombstones(ctx, userID)
		if err != nil {
			return fmt.Errorf("load tombstones: %w", err)
		}
		existing, err := repo.ListAppointments(ctx, userID)
		if err != nil {
			return fmt.Errorf("load appointments: %w", err)
		}

		plan := BuildPlan(userID, calendars, existing, tombstones, incoming, e.now())

		for _, a := range plan.Deletes {
			if _, err := repo.DeleteByExternalID(ctx, userID, a.ExternalIDValue()); err != nil {
				return fmt.Errorf("delete %s: %w", a.ExternalIDValue(), err)
			}
		}
		for i := range plan.Updates {
			a := &plan.Updates[i]
			if err := repo.UpdateSyncedFields(ctx, a); err != nil {
				return fmt.Errorf("update %s: %w", a.ExternalIDValue(), err)
			}
		}
		for i := range plan.Inserts {
			a := &plan.Inserts[i]
			if err := repo.InsertAppointment(ctx, a); err != nil {
				return fmt.Errorf("insert %s: %w", a.ExternalIDValue(), err)
			}
		}

		result = plan.Result()
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("Reconciled appointments",
		"user", userID,
		"calendars", len(calendars),
		"inserted", result.Inserted,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
		"deleted", result.Deleted,
		"suppressed", result.Suppressed)
	return result, nil
}
