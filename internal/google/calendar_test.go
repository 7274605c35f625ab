package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"plannersync/internal/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func validSession() models.Session {
	return models.Session{
		Account: "me",
		Token:   &oauth2.Token{AccessToken: "access", TokenType: "Bearer"},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testLogger, &oauth2.Config{}, nil, option.WithEndpoint(srv.URL+"/"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestListEventsRequestsExpandedInstances(t *testing.T) {
	var query map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access" {
			t.Errorf("Authorization = %q", got)
		}
		q := r.URL.Query()
		query = map[string]string{
			"singleEvents": q.Get("singleEvents"),
			"orderBy":      q.Get("orderBy"),
			"maxResults":   q.Get("maxResults"),
			"pageToken":    q.Get("pageToken"),
			"timeMin":      q.Get("timeMin"),
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{"id": "ev1", "summary": "Intake", "colorId": "3",
					"start": map[string]string{"dateTime": "2025-01-06T09:00:00Z"},
					"end":   map[string]string{"dateTime": "2025-01-06T10:00:00Z"}},
				{"id": "ev2", "summary": "Holiday",
					"start": map[string]string{"date": "2025-12-25"},
					"end":   map[string]string{"date": "2025-12-26"}},
			},
			"nextPageToken": "next",
		})
	})

	from := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC)
	page, err := c.ListEvents(context.Background(), validSession(), "primary", from, to, "tok")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if query["singleEvents"] != "true" || query["orderBy"] != "startTime" || query["maxResults"] != "250" {
		t.Errorf("query = %v", query)
	}
	if query["pageToken"] != "tok" || query["timeMin"] != "2015-01-01T00:00:00Z" {
		t.Errorf("query = %v", query)
	}
	if page.NextPageToken != "next" || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].ColorID != "3" || page.Items[0].Start.DateTime != "2025-01-06T09:00:00Z" {
		t.Errorf("timed item = %+v", page.Items[0])
	}
	if page.Items[1].Start.Date != "2025-12-25" || page.Items[1].Start.DateTime != "" {
		t.Errorf("all-day item = %+v", page.Items[1])
	}
}

func TestListCalendarsFollowsPages(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"items":         []map[string]any{{"id": "a", "summary": "Work", "backgroundColor": "#fff"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{{"id": "b", "summary": "x", "summaryOverride": "Family"}},
		})
	})

	cals, err := c.ListCalendars(context.Background(), validSession())
	if err != nil {
		t.Fatalf("ListCalendars() error: %v", err)
	}
	if calls != 2 || len(cals) != 2 {
		t.Fatalf("calls=%d calendars=%v", calls, cals)
	}
	if cals[0].DisplayName != "Work" || cals[0].BackgroundColor != "#fff" || cals[1].DisplayName != "Family" {
		t.Errorf("calendars = %+v", cals)
	}
}

func TestListEventsUnauthorizedIsSessionExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "Invalid Credentials"}})
	})
	_, err := c.ListEvents(context.Background(), validSession(), "primary", time.Now(), time.Now(), "")
	if !models.IsSessionExpired(err) {
		t.Errorf("ListEvents() error = %v, want SessionExpiredError", err)
	}
}

func TestListEventsRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": map[string]any{
			"code":    403,
			"message": "Rate Limit Exceeded",
			"errors":  []map[string]string{{"reason": "rateLimitExceeded", "message": "Rate Limit Exceeded"}},
		}})
	})
	_, err := c.ListEvents(context.Background(), validSession(), "primary", time.Now(), time.Now(), "")
	if !errors.Is(err, models.ErrRateLimited) {
		t.Errorf("ListEvents() error = %v, want ErrRateLimited", err)
	}
}

func TestExpiredSessionMakesNoRequest(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	session := models.Session{
		Account: "me",
		Token:   &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)},
	}
	_, err := c.ListEvents(context.Background(), session, "primary", time.Now(), time.Now(), "")
	if !models.IsSessionExpired(err) {
		t.Errorf("ListEvents() error = %v, want SessionExpiredError", err)
	}
	if called {
		t.Error("request sent with an expired session")
	}
}

func TestDeleteEventAlreadyGone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		writeJSON(w, http.StatusGone, map[string]any{"error": map[string]any{"code": 410, "message": "Resource has been deleted"}})
	})
	if err := c.DeleteEvent(context.Background(), validSession(), "primary", "ev1"); err != nil {
		t.Errorf("DeleteEvent() error = %v, want nil", err)
	}
}

func TestCreateEventSendsAllDayDates(t *testing.T) {
	var got calendar.Event
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "new-id"})
	})
	start := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)
	id, err := c.CreateEvent(context.Background(), validSession(), "primary", models.EventFields{
		Summary: "Holiday",
		Start:   start,
		End:     start.AddDate(0, 0, 1),
		AllDay:  true,
	})
	if err != nil {
		t.Fatalf("CreateEvent() error: %v", err)
	}
	if id != "new-id" {
		t.Errorf("id = %q, want new-id", id)
	}
	if got.Start == nil || got.Start.Date != "2025-12-25" || got.End.Date != "2025-12-26" {
		t.Errorf("sent start/end = %+v / %+v", got.Start, got.End)
	}
}

func TestClassify(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	if got := classify("me", plain); got != plain {
		t.Errorf("classify(network) = %v, want unchanged", got)
	}
	refresh := &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}, Body: []byte(`{"error":"invalid_grant"}`)}
	if !models.IsSessionExpired(classify("me", refresh)) {
		t.Error("failed refresh not classified as session expired")
	}
	tooMany := &googleapi.Error{Code: http.StatusTooManyRequests}
	if !errors.Is(classify("me", tooMany), models.ErrRateLimited) {
		t.Error("429 not classified as rate limited")
	}
	forbidden := &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}
	if errors.Is(classify("me", forbidden), models.ErrRateLimited) {
		t.Error("plain 403 classified as rate limited")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	if err := SaveToken(TokenPath(dir, "work"), tok); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}

	accounts, err := TokenAccounts(dir)
	if err != nil || len(accounts) != 1 || accounts[0] != "work" {
		t.Fatalf("TokenAccounts() = %v, %v, want [work]", accounts, err)
	}
	session, err := LoadSession(dir, "work")
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if session.Account != "work" || session.Token.RefreshToken != "r" {
		t.Errorf("session = %+v", session)
	}
	if _, err := LoadSession(dir, "missing"); err == nil {
		t.Error("LoadSession() expected error for unknown account")
	}
}

func TestOAuthConfigPrefersClientID(t *testing.T) {
	cfg, err := OAuthConfig("id", "secret", "does-not-exist.json")
	if err != nil {
		t.Fatalf("OAuthConfig() error: %v", err)
	}
	if cfg.ClientID != "id" || cfg.RedirectURL != redirectURL {
		t.Errorf("config = %+v", cfg)
	}
	if _, err := OAuthConfig("", "", "does-not-exist.json"); err == nil {
		t.Error("OAuthConfig() expected error without credentials")
	}
}
