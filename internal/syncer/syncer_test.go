package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"plannersync/internal/models"
	"plannersync/internal/normalize"
	"plannersync/internal/reconcile"
	"plannersync/internal/retry"
	"plannersync/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClient serves canned pages per calendar. A calendar listed in errs
// fails on its first page.
type fakeClient struct {
	pages   map[string][]models.EventPage
	errs    map[string]error
	calls   []string
	deleted []string
	delErr  error
}

func (f *fakeClient) ListCalendars(ctx context.Context, session models.Session) ([]models.CalendarInfo, error) {
	var out []models.CalendarInfo
	for id := range f.pages {
		out = append(out, models.CalendarInfo{ID: id, DisplayName: id})
	}
	return out, nil
}

func (f *fakeClient) ListEvents(ctx context.Context, session models.Session, calendarID string, timeMin, timeMax time.Time, pageToken string) (models.EventPage, error) {
	f.calls = append(f.calls, calendarID+"#"+pageToken)
	if err, ok := f.errs[calendarID]; ok {
		return models.EventPage{}, err
	}
	pages := f.pages[calendarID]
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "p%d", &idx)
	}
	if idx >= len(pages) {
		return models.EventPage{}, nil
	}
	return pages[idx], nil
}

func (f *fakeClient) CreateEvent(ctx context.Context, session models.Session, calendarID string, fields models.EventFields) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) UpdateEvent(ctx context.Context, session models.Session, calendarID, eventID string, fields models.EventFields) error {
	return errors.New("not implemented")
}

func (f *fakeClient) DeleteEvent(ctx context.Context, session models.Session, calendarID, eventID string) error {
	f.deleted = append(f.deleted, calendarID+"/"+eventID)
	return f.delErr
}

func timed(id, title, start string) models.RawEvent {
	return models.RawEvent{ID: id, Summary: title, Start: models.EventTime{DateTime: start}}
}

// flakyReconciler fails the first fails calls, then delegates.
type flakyReconciler struct {
	next  Reconciler
	fails int
	err   error
	calls int
}

func (r *flakyReconciler) Reconcile(ctx context.Context, userID int64, calendars []string, incoming []models.NormalizedEvent) (reconcile.Result, error) {
	r.calls++
	if r.calls <= r.fails {
		return reconcile.Result{}, r.err
	}
	return r.next.Reconcile(ctx, userID, calendars, incoming)
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Pacing = Pacing{BeforeFirstPage: retry.None(), BetweenBatches: retry.None(), BetweenCalendars: retry.None()}
	opts.Retry = retry.Policy{Attempts: 3, Delay: retry.None()}
	return opts
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSyncer(t *testing.T, client CalendarClient, opts Options) (*Syncer, *store.Store) {
	s := newTestStore(t)
	return New(testLogger, client, normalize.New(time.UTC), reconcile.New(testLogger, s), s, opts), s
}

func TestSyncIsolatesCalendarFailure(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]models.EventPage{
			"A": {{Items: []models.RawEvent{
				timed("a1", "One", "2025-01-06T09:00:00Z"),
				timed("a2", "Two", "2025-01-07T09:00:00Z"),
				timed("a3", "Three", "2025-01-08T09:00:00Z"),
			}}},
		},
		errs: map[string]error{"B": errors.New("connection reset")},
	}
	sy, st := newTestSyncer(t, client, testOptions())

	report, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A", "B"})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	a, b := report.Calendar("A"), report.Calendar("B")
	if a.Status != StatusSucceeded || a.Events != 3 {
		t.Errorf("A = %s(%d), want succeeded(3)", a.Status, a.Events)
	}
	if b.Status != StatusFailed || b.Error != "connection reset" {
		t.Errorf("B = %s(%q), want failed(connection reset)", b.Status, b.Error)
	}
	if report.EventsSubmitted != 3 || report.Upserted != 3 {
		t.Errorf("submitted=%d upserted=%d, want 3 and 3", report.EventsSubmitted, report.Upserted)
	}

	rows, err := st.ListAppointments(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListAppointments() error: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("persisted %d appointments, want 3", len(rows))
	}
}

func TestSyncFailedCalendarKeepsItsAppointments(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]models.EventPage{
			"B": {{Items: []models.RawEvent{timed("b1", "Kept", "2025-01-06T09:00:00Z")}}},
		},
	}
	sy, st := newTestSyncer(t, client, testOptions())
	ctx := context.Background()
	if _, err := sy.RunSync(ctx, models.Session{}, 1, []string{"B"}); err != nil {
		t.Fatalf("seed RunSync() error: %v", err)
	}

	client.errs = map[string]error{"B": errors.New("boom")}
	client.pages["A"] = []models.EventPage{{Items: []models.RawEvent{timed("a1", "New", "2025-01-06T10:00:00Z")}}}
	if _, err := sy.RunSync(ctx, models.Session{}, 1, []string{"A", "B"}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if _, err := st.GetAppointmentByExternalID(ctx, 1, "b1"); err != nil {
		t.Errorf("appointment of failed calendar was removed: %v", err)
	}
}

func TestSyncFollowsPageTokens(t *testing.T) {
	client := &fakeClient{
		pages: map[string][]models.EventPage{
			"A": {
				{Items: []models.RawEvent{timed("a1", "One", "2025-01-06T09:00:00Z")}, NextPageToken: "p1"},
				{Items: []models.RawEvent{
					timed("a2", "Two", "2025-01-07T09:00:00Z"),
					// Same slot as a1 under a different id.
					timed("a1-dup", "One", "2025-01-06T09:00:00Z"),
				}, NextPageToken: "p2"},
				{Items: []models.RawEvent{timed("a3", "Three", "2025-01-08T09:00:00Z")}},
			},
		},
	}
	var batches []int
	opts := testOptions()
	opts.Pacing.BetweenBatches = func(attempt int) time.Duration {
		batches = append(batches, attempt)
		return 0
	}
	sy, _ := newTestSyncer(t, client, opts)

	report, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A"})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if got := report.Calendar("A").Events; got != 3 {
		t.Errorf("Events = %d, want 3 after dedup", got)
	}
	want := []string{"A#", "A#p1", "A#p2"}
	if fmt.Sprint(client.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", client.calls, want)
	}
	if fmt.Sprint(batches) != "[2 3]" {
		t.Errorf("between-batch pacing = %v, want [2 3]", batches)
	}
}

func TestSyncPacesBetweenCalendarsOnly(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{"A": nil, "B": nil, "C": nil}}
	var waits []int
	var progress []string
	opts := testOptions()
	opts.Pacing.BetweenCalendars = func(attempt int) time.Duration {
		waits = append(waits, attempt)
		return 0
	}
	opts.OnProgress = func(p Progress) {
		progress = append(progress, fmt.Sprintf("%s %d/%d", p.CalendarID, p.Index, p.Total))
	}
	sy, _ := newTestSyncer(t, client, opts)

	if _, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A", "B", "C"}); err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if len(waits) != 2 {
		t.Errorf("between-calendar waits = %v, want 2 (none after the last)", waits)
	}
	if fmt.Sprint(progress) != "[A 1/3 B 2/3 C 3/3]" {
		t.Errorf("progress = %v", progress)
	}
}

func TestSyncRetriesPersistence(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{
		"A": {{Items: []models.RawEvent{timed("a1", "One", "2025-01-06T09:00:00Z")}}},
	}}
	s := newTestStore(t)
	flaky := &flakyReconciler{next: reconcile.New(testLogger, s), fails: 2, err: errors.New("deadlock")}
	sy := New(testLogger, client, normalize.New(time.UTC), flaky, s, testOptions())

	report, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A"})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("Reconcile calls = %d, want 3", flaky.calls)
	}
	if report.Upserted != 1 {
		t.Errorf("Upserted = %d, want 1", report.Upserted)
	}
}

func TestSyncSurfacesPersistenceErrorAfterRetries(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{
		"A": {{Items: []models.RawEvent{timed("a1", "One", "2025-01-06T09:00:00Z")}}},
	}}
	s := newTestStore(t)
	deadlock := errors.New("deadlock")
	flaky := &flakyReconciler{next: reconcile.New(testLogger, s), fails: 10, err: deadlock}
	sy := New(testLogger, client, normalize.New(time.UTC), flaky, s, testOptions())

	_, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A"})
	if !errors.Is(err, deadlock) {
		t.Fatalf("RunSync() error = %v, want deadlock", err)
	}
	if flaky.calls != 3 {
		t.Errorf("Reconcile calls = %d, want 3", flaky.calls)
	}
}

func TestSyncStoreUnavailableIsFatal(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{"A": nil}}
	s := newTestStore(t)
	down := pingFunc(func(ctx context.Context) error { return errors.New("connection refused") })
	sy := New(testLogger, client, normalize.New(time.UTC), reconcile.New(testLogger, s), down, testOptions())

	_, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A"})
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("RunSync() error = %v, want ErrStoreUnavailable", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("fetched %v with the store down", client.calls)
	}
}

func TestSyncStopsAfterSessionExpires(t *testing.T) {
	expired := &models.SessionExpiredError{Account: "me@example.com"}
	client := &fakeClient{
		pages: map[string][]models.EventPage{"C": nil},
		errs:  map[string]error{"A": expired},
	}
	sy, _ := newTestSyncer(t, client, testOptions())

	report, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	for _, c := range report.Calendars {
		if c.Status != StatusFailed {
			t.Errorf("%s = %s, want failed", c.ID, c.Status)
		}
	}
	if len(client.calls) != 1 {
		t.Errorf("calls = %v, want only the first calendar", client.calls)
	}
	if report.Failed() != 3 {
		t.Errorf("Failed() = %d, want 3", report.Failed())
	}
}

func TestSyncCancelledDoesNotPersist(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{
		"A": {{Items: []models.RawEvent{timed("a1", "One", "2025-01-06T09:00:00Z")}}},
		"B": nil,
	}}
	ctx, cancel := context.WithCancel(context.Background())
	opts := testOptions()
	opts.Pacing.BetweenCalendars = func(int) time.Duration {
		cancel()
		return time.Hour
	}
	s := newTestStore(t)
	rec := &flakyReconciler{next: reconcile.New(testLogger, s)}
	sy := New(testLogger, client, normalize.New(time.UTC), rec, s, opts)

	_, err := sy.RunSync(ctx, models.Session{}, 1, []string{"A", "B"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunSync() error = %v, want context.Canceled", err)
	}
	if rec.calls != 0 {
		t.Errorf("Reconcile called %d times after cancellation", rec.calls)
	}
}

func TestSyncDryRunWritesNothing(t *testing.T) {
	client := &fakeClient{pages: map[string][]models.EventPage{
		"A": {{Items: []models.RawEvent{timed("a1", "One", "2025-01-06T09:00:00Z")}}},
	}}
	opts := testOptions()
	opts.DryRun = true
	sy, st := newTestSyncer(t, client, opts)

	report, err := sy.RunSync(context.Background(), models.Session{}, 1, []string{"A"})
	if err != nil {
		t.Fatalf("RunSync() error: %v", err)
	}
	if report.EventsSubmitted != 1 {
		t.Errorf("EventsSubmitted = %d, want 1", report.EventsSubmitted)
	}
	if rows, _ := st.ListAppointments(context.Background(), 1); len(rows) != 0 {
		t.Errorf("dry run persisted %d appointments", len(rows))
	}
}
