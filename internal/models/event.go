package models

import "time"

// EventTime is the start or end of an external event. Exactly one of the two
// fields is normally set: DateTime for timed events (RFC3339), Date for
// all-day events (YYYY-MM-DD).
type EventTime struct {
	DateTime string
	Date     string
}

// IsZero reports whether neither a date nor a date-time is present.
func (t EventTime) IsZero() bool {
	return t.DateTime == "" && t.Date == ""
}

// RawEvent is one event as returned by an external calendar provider,
// before normalization.
type RawEvent struct {
	ID          string
	Summary     string
	Start       EventTime
	End         EventTime
	ColorID     string
	Description string
	Location    string
	Recurrence  []string // RRULE/EXDATE lines as sent by the provider
}

// EventPage is a single page of a paginated event listing.
type EventPage struct {
	Items         []RawEvent
	NextPageToken string
}

// EventFields is the payload for creating or updating an external event.
type EventFields struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Recurrence  []string
}

// CalendarInfo describes one calendar of the connected account.
type CalendarInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

// CalendarRef identifies a calendar to be synced. Name is informational.
type CalendarRef struct {
	ID   string
	Name string
}

// DedupKey identifies the logical slot of a fetched event. External ids of
// recurring instances are not stable across fetches, so the key is derived
// from what the user sees instead.
type DedupKey struct {
	CalendarID string
	Title      string
	Date       string // YYYY-MM-DD in the reference location
	Clock      string // HH:MM in the reference location
}

// NormalizedEvent is an external event reduced to the appointment shape.
type NormalizedEvent struct {
	Key         DedupKey
	ExternalID  string
	CalendarID  string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	Date        string
	Category    string
	Recurrence  string // opaque descriptor, empty for one-off events
	AllDay      bool
}
