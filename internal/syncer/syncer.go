package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"plannersync/internal/models"
	"plannersync/internal/normalize"
	"plannersync/internal/reconcile"
	"plannersync/internal/retry"
	"plannersync/internal/store"
)

// CalendarClient is an external calendar provider.
type CalendarClient interface {
	ListCalendars(ctx context.Context, session models.Session) ([]models.CalendarInfo, error)
	ListEvents(ctx context.Context, session models.Session, calendarID string, timeMin, timeMax time.Time, pageToken string) (models.EventPage, error)
	CreateEvent(ctx context.Context, session models.Session, calendarID string, fields models.EventFields) (string, error)
	UpdateEvent(ctx context.Context, session models.Session, calendarID, eventID string, fields models.EventFields) error
	DeleteEvent(ctx context.Context, session models.Session, calendarID, eventID string) error
}

// Reconciler persists a merged event set.
type Reconciler interface {
	Reconcile(ctx context.Context, userID int64, calendars []string, incoming []models.NormalizedEvent) (reconcile.Result, error)
}

// Pinger reports whether the store can be reached at all.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pacing holds the waits used to stay under provider rate limits.
type Pacing struct {
	BeforeFirstPage  retry.Pacer
	BetweenBatches   retry.Pacer
	BetweenCalendars retry.Pacer
}

// Window bounds the time range fetched for each calendar.
type Window struct {
	Min time.Time
	Max time.Time
}

// Options configures a Syncer.
type Options struct {
	Pacing     Pacing
	Retry      retry.Policy
	Window     Window
	DryRun     bool
	OnProgress func(Progress)
}

// Progress is emitted when a calendar starts.
type Progress struct {
	RunID      string
	CalendarID string
	Index      int
	Total      int
}

// DefaultOptions returns the production pacing and retry policy.
func DefaultOptions() Options {
	return Options{
		Pacing: Pacing{
			BeforeFirstPage:  retry.Fixed(time.Second),
			BetweenBatches:   retry.Fixed(500 * time.Millisecond),
			BetweenCalendars: retry.Fixed(3 * time.Second),
		},
		Retry: retry.Policy{Attempts: 3, Delay: retry.Fixed(2 * time.Second)},
		Window: Window{
			Min: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
			Max: time.Date(2030, 12, 31, 23, 59, 59, 0, time.UTC),
		},
	}
}

// Syncer fetches calendars one after another and hands the merged result to
// the reconciler.
type Syncer struct {
	logger     *slog.Logger
	client     CalendarClient
	normalizer *normalize.Normalizer
	engine     Reconciler
	pinger     Pinger
	opts       Options
}

// New creates a new Syncer.
func New(logger *slog.Logger, client CalendarClient, normalizer *normalize.Normalizer, engine Reconciler, pinger Pinger, opts Options) *Syncer {
	return &Syncer{
		logger:     logger,
		client:     client,
		normalizer: normalizer,
		engine:     engine,
		pinger:     pinger,
		opts:       opts,
	}
}

// RunSync syncs the given calendar ids, in order.
func (s *Syncer) RunSync(ctx context.Context, session models.Session, userID int64, calendarIDs []string) (*Report, error) {
	refs := make([]models.CalendarRef, len(calendarIDs))
	for i, id := range calendarIDs {
		refs[i] = models.CalendarRef{ID: id, Name: id}
	}
	return s.Sync(ctx, session, userID, refs)
}

// Sync performs a full synchronization cycle. A calendar that fails to fetch
// is recorded in the report and left out of the reconcile, so its
// appointments are kept as they are.
func (s *Syncer) Sync(ctx context.Context, session models.Session, userID int64, calendars []models.CalendarRef) (*Report, error) {
	report := newReport(userID, calendars)
	logger := s.logger.With("run", report.RunID, "user", userID)
	logger.Info("Starting sync cycle.", "calendars", len(calendars))

	if err := s.pinger.Ping(ctx); err != nil {
		report.finish()
		if !errors.Is(err, store.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		return report, err
	}

	merged := normalize.NewSet()
	var synced []string
	var expired error

	for i, cal := range calendars {
		cr := &report.Calendars[i]

		// An expired session cannot succeed for the remaining calendars.
		if expired != nil {
			cr.fail(expired)
			continue
		}

		if i > 0 {
			if err := retry.Sleep(ctx, s.opts.Pacing.BetweenCalendars.Delay(i)); err != nil {
				report.finish()
				return report, err
			}
		}

		s.progress(logger, report.RunID, cal.ID, i+1, len(calendars))
		cr.Status = StatusInProgress

		set, err := s.fetchCalendar(ctx, logger, session, cal.ID)
		if err != nil {
			if ctx.Err() != nil {
				cr.fail(ctx.Err())
				report.finish()
				return report, ctx.Err()
			}
			logger.Error("Could not fetch events for a calendar", "calendarID", cal.ID, "error", err)
			cr.fail(err)
			if models.IsSessionExpired(err) {
				expired = err
			}
			continue
		}

		cr.Status = StatusSucceeded
		cr.Events = set.Len()
		merged.Merge(set)
		synced = append(synced, cal.ID)
	}

	if len(synced) == 0 {
		logger.Warn("No calendar could be fetched, skipping persistence.")
		report.finish()
		return report, nil
	}

	events := merged.Events()
	report.EventsSubmitted = len(events)
	logger.Info("Fetched all events.", "count", len(events), "calendars", len(synced))

	if s.opts.DryRun {
		logger.Info("[DRY RUN] Would reconcile events", "count", len(events), "calendars", synced)
		report.finish()
		return report, nil
	}

	var result reconcile.Result
	policy := s.opts.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			logger.Warn("Persisting sync result failed, retrying", "attempt", attempt, "error", err)
		}
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		result, err = s.engine.Reconcile(ctx, userID, synced, events)
		if errors.Is(err, store.ErrStoreUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	report.finish()
	if err != nil {
		return report, fmt.Errorf("persist sync result: %w", err)
	}

	report.Upserted = result.Upserted()
	report.Deleted = result.Deleted
	report.Suppressed = result.Suppressed
	logger.Info("Sync cycle finished.",
		"upserted", report.Upserted,
		"deleted", report.Deleted,
		"suppressed", report.Suppressed,
		"failed", report.Failed())
	return report, nil
}

// fetchCalendar pulls every page of one calendar over the configured window.
// On error the events gathered so far are discarded.
func (s *Syncer) fetchCalendar(ctx context.Context, logger *slog.Logger, session models.Session, calendarID string) (*normalize.Set, error) {
	set := normalize.NewSet()

	if err := retry.Sleep(ctx, s.opts.Pacing.BeforeFirstPage.Delay(1)); err != nil {
		return nil, err
	}

	pageToken := ""
	for page := 1; ; page++ {
		if page > 1 {
			if err := retry.Sleep(ctx, s.opts.Pacing.BetweenBatches.Delay(page)); err != nil {
				return nil, err
			}
		}

		resp, err := s.client.ListEvents(ctx, session, calendarID, s.opts.Window.Min, s.opts.Window.Max, pageToken)
		if err != nil {
			return nil, err
		}
		added := s.normalizer.Batch(resp.Items, calendarID, set)
		logger.Debug("Fetched page", "calendarID", calendarID, "page", page, "items", len(resp.Items), "added", added)

		if resp.NextPageToken == "" {
			return set, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (s *Syncer) progress(logger *slog.Logger, runID, calendarID string, index, total int) {
	logger.Info(fmt.Sprintf("Calendar %d of %d starting", index, total), "calendarID", calendarID)
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(Progress{RunID: runID, CalendarID: calendarID, Index: index, Total: total})
	}
}

func newRunID() string {
	return uuid.NewString()
}
