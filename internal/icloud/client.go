package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"plannersync/internal/models"
)

const (
	// DefaultEndpoint is the iCloud CalDAV root.
	DefaultEndpoint = "https://caldav.icloud.com/"

	productID  = "-//plannersync//EN"
	dateLayout = "2006-01-02"
)

// basicAuthTransport adds Basic Auth and custom headers to requests.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "plannersync/1.0")
	return t.Transport.RoundTrip(req)
}

// ErrOccurrence is returned when a write targets one occurrence of a series.
var ErrOccurrence = errors.New("single occurrences of a CalDAV series cannot be changed")

// Client is a CalDAV calendar provider. Authentication is fixed at
// construction (an app-specific password), so the session passed to each
// call is not used.
type Client struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	location     *time.Location
}

// NewClient creates a CalDAV client for endpoint (DefaultEndpoint if empty).
// Floating times are read in loc (UTC if nil).
func NewClient(logger *slog.Logger, endpoint, username, password string, loc *time.Location) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if loc == nil {
		loc = time.UTC
	}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &basicAuthTransport{
			Username:  username,
			Password:  password,
			Transport: http.DefaultTransport,
		},
	}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &Client{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		location:     loc,
	}, nil
}

// ListCalendars discovers the user's calendars. Calendar ids are the
// collection paths on the server.
func (c *Client) ListCalendars(ctx context.Context, _ models.Session) ([]models.CalendarInfo, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}

	out := make([]models.CalendarInfo, 0, len(calendars))
	for _, cal := range calendars {
		if !supportsEvents(cal) {
			continue
		}
		out = append(out, models.CalendarInfo{ID: cal.Path, DisplayName: cal.Name})
	}
	return out, nil
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

// ListEvents returns every event overlapping [timeMin, timeMax], with
// recurring series expanded into one item per occurrence. CalDAV has no
// paging, so the result is always a single page.
func (c *Client) ListEvents(ctx context.Context, _ models.Session, calendarID string, timeMin, timeMax time.Time, _ string) (models.EventPage, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: timeMin,
				End:   timeMax,
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return models.EventPage{}, fmt.Errorf("failed to query calendar: %w", err)
	}

	var page models.EventPage
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		page.Items = append(page.Items, c.objectEvents(obj.Path, obj.Data, timeMin, timeMax)...)
	}
	c.logger.Debug("Fetched events from CalDAV", "count", len(page.Items), "calendarID", calendarID)
	return page, nil
}

// objectEvents reads one calendar object. A series master and its overrides
// share an object, so they are expanded together.
func (c *Client) objectEvents(objPath string, data *ical.Calendar, from, to time.Time) []models.RawEvent {
	var events []vevent
	for _, ev := range data.Events() {
		v, err := readEvent(ev.Component, c.location)
		if err != nil {
			c.logger.Warn("Skipping unreadable event", "path", objPath, "error", err)
			continue
		}
		events = append(events, v)
	}
	return expand(c.logger, events, from, to)
}

// CreateEvent stores a new event and returns its UID.
func (c *Client) CreateEvent(ctx context.Context, _ models.Session, calendarID string, fields models.EventFields) (string, error) {
	uid := GenerateUID()
	if err := c.put(ctx, calendarID, uid, fields); err != nil {
		return "", fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	return uid, nil
}

// UpdateEvent replaces the event stored under eventID.
func (c *Client) UpdateEvent(ctx context.Context, _ models.Session, calendarID, eventID string, fields models.EventFields) error {
	if _, _, ok := splitInstanceID(eventID); ok {
		return fmt.Errorf("update %s: %w", eventID, ErrOccurrence)
	}
	if err := c.put(ctx, calendarID, eventID, fields); err != nil {
		return fmt.Errorf("failed to update event on CalDAV server: %w", err)
	}
	return nil
}

// DeleteEvent removes the event stored under eventID.
func (c *Client) DeleteEvent(ctx context.Context, _ models.Session, calendarID, eventID string) error {
	if _, _, ok := splitInstanceID(eventID); ok {
		return fmt.Errorf("delete %s: %w", eventID, ErrOccurrence)
	}
	if err := c.webdavClient.RemoveAll(ctx, eventPath(calendarID, eventID)); err != nil {
		return fmt.Errorf("failed to delete event on CalDAV server: %w", err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, calendarID, uid string, fields models.EventFields) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(uid, fields, time.Now().UTC()))

	if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath(calendarID, uid), cal); err != nil {
		return err
	}
	c.logger.Info("Stored event on CalDAV server", "title", fields.Summary, "uid", uid)
	return nil
}

func eventPath(calendarID, uid string) string {
	return path.Join(calendarID, uid+".ics")
}

// toICal converts event fields to a VEVENT.
func toICal(uid string, fields models.EventFields, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, fields.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	if fields.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, fields.Start)
		ve.Props.SetDate(ical.PropDateTimeEnd, fields.End)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, fields.Start)
		ve.Props.SetDateTime(ical.PropDateTimeEnd, fields.End)
	}

	if fields.Description != "" {
		ve.Props.SetText(ical.PropDescription, fields.Description)
	}
	if fields.Location != "" {
		ve.Props.SetText(ical.PropLocation, fields.Location)
	}
	for _, line := range fields.Recurrence {
		if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
			p := ical.NewProp(ical.PropRecurrenceRule)
			p.Value = rule
			ve.Props.Add(p)
		}
	}
	return ve
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
