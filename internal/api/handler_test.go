package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"plannersync/internal/models"
	"plannersync/internal/store"
	"plannersync/internal/syncer"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	pingErr   error
	appts     []models.Appointment
	from, to  string
	statusErr error
	history   map[int64][]models.HistoryEntry
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ListAppointmentsInRange(ctx context.Context, userID int64, from, to string) ([]models.Appointment, error) {
	f.from, f.to = from, to
	var out []models.Appointment
	for _, a := range f.appts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, userID, id int64, status models.Status) (*models.Appointment, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	for i := range f.appts {
		if f.appts[i].UserID == userID && f.appts[i].ID == id {
			f.appts[i].Status = status
			return &f.appts[i], nil
		}
	}
	return nil, store.ErrAppointmentNotFound
}

func (f *fakeStore) ListHistory(ctx context.Context, userID, appointmentID int64) ([]models.HistoryEntry, error) {
	return f.history[appointmentID], nil
}

type fakeSyncer struct {
	err     error
	session models.Session
	userID  int64
	ids     []string
}

func (f *fakeSyncer) RunSync(ctx context.Context, session models.Session, userID int64, ids []string) (*syncer.Report, error) {
	f.session, f.userID, f.ids = session, userID, ids
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Report{RunID: "run-1", UserID: userID, Upserted: 2}, nil
}

type fakeDeleter struct {
	err      error
	deleted  []string
	localErr error
}

func (f *fakeDeleter) DeleteAppointment(ctx context.Context, session models.Session, userID int64, externalID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, fmt.Sprintf("%d/%s", userID, externalID))
	return nil
}

func (f *fakeDeleter) DeleteLocal(ctx context.Context, userID, id int64) error {
	return f.localErr
}

type fixture struct {
	store   *fakeStore
	syncer  *fakeSyncer
	deleter *fakeDeleter
	handler *Handler
	server  *httptest.Server
}

func newFixture(t *testing.T, syncsPerMinute int) *fixture {
	t.Helper()
	f := &fixture{
		store:   &fakeStore{history: map[int64][]models.HistoryEntry{}},
		syncer:  &fakeSyncer{},
		deleter: &fakeDeleter{},
	}
	f.handler = NewHandler(testLogger, f.store, f.syncer, f.deleter, models.Session{Account: "default"}, syncsPerMinute)
	f.server = httptest.NewServer(f.handler.Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, userID, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	if resp := f.do(t, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	f.store.pingErr = store.ErrStoreUnavailable
	if resp := f.do(t, http.MethodGet, "/health", "", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRequiresUserID(t *testing.T) {
	f := newFixture(t, 0)
	if resp := f.do(t, http.MethodGet, "/api/v1/appointments?start=2025-01-01&end=2025-01-31", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing header: status = %d, want 401", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/appointments?start=2025-01-01&end=2025-01-31", "abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad header: status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncReturnsReport(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.do(t, http.MethodPost, "/api/v1/sync", "7", `{"calendarIds":["a","b"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var report syncer.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.RunID != "run-1" || report.UserID != 7 || report.Upserted != 2 {
		t.Errorf("report = %+v", report)
	}
	if f.syncer.userID != 7 || len(f.syncer.ids) != 2 || f.syncer.ids[1] != "b" {
		t.Errorf("RunSync got user %d ids %v", f.syncer.userID, f.syncer.ids)
	}
	if f.syncer.session.Account != "default" {
		t.Errorf("session account = %q, want fallback session", f.syncer.session.Account)
	}
}

func TestSyncUsesBearerToken(t *testing.T) {
	f := newFixture(t, 0)
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/sync", strings.NewReader(`{"calendarIds":["a"]}`))
	req.Header.Set("X-User-ID", "3")
	req.Header.Set("Authorization", "Bearer tok-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if tok := f.syncer.session.Token; tok == nil || tok.AccessToken != "tok-123" {
		t.Errorf("session token = %+v, want tok-123", tok)
	}
}

func TestSyncDefaultCalendars(t *testing.T) {
	f := newFixture(t, 0)
	if resp := f.do(t, http.MethodPost, "/api/v1/sync", "1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no calendars: status = %d, want 400", resp.StatusCode)
	}

	f.handler.DefaultCalendars = []string{"primary"}
	if resp := f.do(t, http.MethodPost, "/api/v1/sync", "1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.syncer.ids) != 1 || f.syncer.ids[0] != "primary" {
		t.Errorf("ids = %v, want [primary]", f.syncer.ids)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"expired", &models.SessionExpiredError{Account: "a"}, http.StatusUnauthorized},
		{"store down", fmt.Errorf("%w: ping", store.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.syncer.err = tt.err
			if resp := f.do(t, http.MethodPost, "/api/v1/sync", "1", `{"calendarIds":["a"]}`); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSyncRateLimitedPerUser(t *testing.T) {
	f := newFixture(t, 1)
	body := `{"calendarIds":["a"]}`
	if resp := f.do(t, http.MethodPost, "/api/v1/sync", "1", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: status = %d, want 200", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/sync", "1", body); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want 429", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/sync", "2", body); resp.StatusCode != http.StatusOK {
		t.Errorf("other user: status = %d, want 200", resp.StatusCode)
	}
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t, 0)
	f.store.appts = []models.Appointment{
		{ID: 1, UserID: 1, Title: "Intake", Date: "2025-01-06", Status: models.StatusScheduled},
		{ID: 2, UserID: 2, Title: "Other user", Date: "2025-01-06"},
	}

	resp := f.do(t, http.MethodGet, "/api/v1/appointments?start=2025-01-01&end=2025-01-31", "1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got []models.Appointment
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Intake" {
		t.Errorf("appointments = %+v", got)
	}
	if f.store.from != "2025-01-01" || f.store.to != "2025-01-31" {
		t.Errorf("range = %s..%s", f.store.from, f.store.to)
	}

	for _, q := range []string{"start=2025-01-01", "start=01/01/2025&end=2025-01-31", "start=2025-02-01&end=2025-01-01"} {
		if resp := f.do(t, http.MethodGet, "/api/v1/appointments?"+q, "1", ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture(t, 0)
	if resp := f.do(t, http.MethodDelete, "/api/v1/appointments/ev-1", "4", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if len(f.deleter.deleted) != 1 || f.deleter.deleted[0] != "4/ev-1" {
		t.Errorf("deleted = %v", f.deleter.deleted)
	}

	f.deleter.err = fmt.Errorf("delete appointment ev-2: %w", store.ErrAppointmentNotFound)
	if resp := f.do(t, http.MethodDelete, "/api/v1/appointments/ev-2", "4", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteLocalConflict(t *testing.T) {
	f := newFixture(t, 0)
	f.deleter.localErr = fmt.Errorf("appointment 5: %w", syncer.ErrSyncedAppointment)
	if resp := f.do(t, http.MethodDelete, "/api/v1/local-appointments/5", "1", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/api/v1/local-appointments/x", "1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", resp.StatusCode)
	}
}

func TestSetStatusAndHistory(t *testing.T) {
	f := newFixture(t, 0)
	f.store.appts = []models.Appointment{{ID: 9, UserID: 1, Status: models.StatusScheduled}}
	f.store.history[9] = []models.HistoryEntry{{AppointmentID: 9, ChangeType: models.ChangeStatusChanged, CreatedAt: time.Now()}}

	resp := f.do(t, http.MethodPut, "/api/v1/appointments/9/status", "1", `{"status":"completed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if f.store.appts[0].Status != models.StatusCompleted {
		t.Errorf("Status = %q, want completed", f.store.appts[0].Status)
	}

	if resp := f.do(t, http.MethodPut, "/api/v1/appointments/9/status", "1", `{"status":"done"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status: status = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPut, "/api/v1/appointments/10/status", "1", `{"status":"no_show"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/appointments/9/history", "1", "")
	var entries []models.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].ChangeType != models.ChangeStatusChanged {
		t.Errorf("history = %+v", entries)
	}
}

func TestUserRateLimiterPrunesIdle(t *testing.T) {
	rl := newUserRateLimiter(1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.lastCleanup = now

	if !rl.allow(1) || rl.allow(1) {
		t.Fatal("expected one allowed request then a rejection")
	}
	now = now.Add(time.Hour)
	rl.allow(2)
	if _, ok := rl.visitors[1]; ok {
		t.Error("idle visitor was not pruned")
	}
}
