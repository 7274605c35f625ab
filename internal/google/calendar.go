package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"plannersync/internal/models"
)

const (
	pageSize   = 250
	dateLayout = "2006-01-02"
)

// Client talks to the Google Calendar API on behalf of whichever session it
// is given.
type Client struct {
	config  *oauth2.Config
	logger  *slog.Logger
	limiter *rate.Limiter
	opts    []option.ClientOption
	now     func() time.Time
}

// NewClient creates a new Google Calendar client. limiter may be nil to
// disable client-side throttling; opts are passed to every calendar service.
func NewClient(logger *slog.Logger, config *oauth2.Config, limiter *rate.Limiter, opts ...option.ClientOption) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		config:  config,
		logger:  logger,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
	}
}

func (c *Client) service(ctx context.Context, session models.Session) (*calendar.Service, error) {
	if session.Expired(c.now()) {
		return nil, &models.SessionExpiredError{
			Account: session.Account,
			Err:     errors.New("access token expired and no refresh token is available"),
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	httpClient := c.config.Client(ctx, session.Token)
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// ListCalendars returns every calendar on the account's calendar list.
func (c *Client) ListCalendars(ctx context.Context, session models.Session) ([]models.CalendarInfo, error) {
	srv, err := c.service(ctx, session)
	if err != nil {
		return nil, err
	}

	var out []models.CalendarInfo
	pageToken := ""
	for {
		call := srv.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, classify(session.Account, fmt.Errorf("failed to list calendars: %w", err))
		}
		for _, item := range list.Items {
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			out = append(out, models.CalendarInfo{ID: item.Id, DisplayName: name, BackgroundColor: item.BackgroundColor})
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

// ListEvents fetches one page of expanded event instances between timeMin
// and timeMax, ordered by start time.
func (c *Client) ListEvents(ctx context.Context, session models.Session, calendarID string, timeMin, timeMax time.Time, pageToken string) (models.EventPage, error) {
	srv, err := c.service(ctx, session)
	if err != nil {
		return models.EventPage{}, err
	}

	call := srv.Events.List(calendarID).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(pageSize).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	events, err := call.Do()
	if err != nil {
		return models.EventPage{}, classify(session.Account, fmt.Errorf("failed to retrieve events: %w", err))
	}

	c.logger.Debug("Fetched events from Google Calendar", "count", len(events.Items), "calendarID", calendarID)
	page := models.EventPage{NextPageToken: events.NextPageToken}
	for _, item := range events.Items {
		page.Items = append(page.Items, toRawEvent(item))
	}
	return page, nil
}

// CreateEvent inserts an event and returns its id.
func (c *Client) CreateEvent(ctx context.Context, session models.Session, calendarID string, fields models.EventFields) (string, error) {
	srv, err := c.service(ctx, session)
	if err != nil {
		return "", err
	}
	created, err := srv.Events.Insert(calendarID, toGoogleEvent(fields)).Context(ctx).Do()
	if err != nil {
		return "", classify(session.Account, fmt.Errorf("failed to create event: %w", err))
	}
	return created.Id, nil
}

// UpdateEvent patches an existing event with fields.
func (c *Client) UpdateEvent(ctx context.Context, session models.Session, calendarID, eventID string, fields models.EventFields) error {
	srv, err := c.service(ctx, session)
	if err != nil {
		return err
	}
	if _, err := srv.Events.Patch(calendarID, eventID, toGoogleEvent(fields)).Context(ctx).Do(); err != nil {
		return classify(session.Account, fmt.Errorf("failed to update event: %w", err))
	}
	return nil
}

// DeleteEvent removes an event. An event that is already gone is not an error.
func (c *Client) DeleteEvent(ctx context.Context, session models.Session, calendarID, eventID string) error {
	srv, err := c.service(ctx, session)
	if err != nil {
		return err
	}
	err = srv.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		c.logger.Debug("Event already deleted", "calendarID", calendarID, "eventID", eventID)
		return nil
	}
	return classify(session.Account, fmt.Errorf("failed to delete event: %w", err))
}

// classify maps auth failures to *models.SessionExpiredError and throttling
// to models.ErrRateLimited.
func classify(account string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &models.SessionExpiredError{Account: account, Err: err}
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return &models.SessionExpiredError{Account: account, Err: err}
	case gerr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
			}
		}
	}
	return err
}

func toRawEvent(item *calendar.Event) models.RawEvent {
	raw := models.RawEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		ColorID:     item.ColorId,
		Description: item.Description,
		Location:    item.Location,
		Recurrence:  item.Recurrence,
	}
	if item.Start != nil {
		raw.Start = models.EventTime{DateTime: item.Start.DateTime, Date: item.Start.Date}
	}
	if item.End != nil {
		raw.End = models.EventTime{DateTime: item.End.DateTime, Date: item.End.Date}
	}
	return raw
}

func toGoogleEvent(fields models.EventFields) *calendar.Event {
	ev := &calendar.Event{
		Summary:     fields.Summary,
		Description: fields.Description,
		Location:    fields.Location,
		Recurrence:  fields.Recurrence,
	}
	if fields.AllDay {
		ev.Start = &calendar.EventDateTime{Date: fields.Start.Format(dateLayout)}
		ev.End = &calendar.EventDateTime{Date: fields.End.Format(dateLayout)}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: fields.Start.Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: fields.End.Format(time.RFC3339)}
	}
	return ev
}
