package models

import "time"

// Status tracks what happened with an appointment. It is owned by the user
// and never written by sync.
type Status string

const (
	StatusScheduled         Status = "scheduled"
	StatusCompleted         Status = "completed"
	StatusClientCanceled    Status = "client_canceled"
	StatusTherapistCanceled Status = "therapist_canceled"
	StatusNoShow            Status = "no_show"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusClientCanceled, StatusTherapistCanceled, StatusNoShow:
		return true
	}
	return false
}

// Categories is the ordered list external color ids are mapped onto.
var Categories = []string{"Work", "Personal", "Meeting", "Health", "Social"}

// CategoryOther is used when an event carries no usable color id.
const CategoryOther = "Other"

// Appointment is a persisted appointment. ExternalID and CalendarID are nil
// for appointments created locally.
type Appointment struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"userId"`
	ExternalID   *string    `json:"externalId,omitempty"`
	CalendarID   *string    `json:"calendarId,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Start        time.Time  `json:"startTime"`
	End          time.Time  `json:"endTime"`
	Date         string     `json:"date"`
	Category     string     `json:"category,omitempty"`
	Recurrence   string     `json:"recurrence,omitempty"`
	LastSyncedAt *time.Time `json:"lastSynced,omitempty"`

	// User-owned fields.
	Status        Status   `json:"status"`
	Reminders     []string `json:"reminders,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Tags          []string `json:"noteTags,omitempty"`
	SessionNumber *int     `json:"sessionNumber,omitempty"`
	TotalSessions *int     `json:"totalSessions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExternalIDValue returns the external id or "" for local appointments.
func (a *Appointment) ExternalIDValue() string {
	if a.ExternalID == nil {
		return ""
	}
	return *a.ExternalID
}

// CalendarIDValue returns the calendar id or "" for local appointments.
func (a *Appointment) CalendarIDValue() string {
	if a.CalendarID == nil {
		return ""
	}
	return *a.CalendarID
}

// SyncedFrom builds a new appointment from a normalized event with the
// user-owned fields at their defaults.
func SyncedFrom(userID int64, ev NormalizedEvent, syncedAt time.Time) Appointment {
	a := Appointment{
		UserID: userID,
		Status: StatusScheduled,
	}
	a.ApplySynced(ev, syncedAt)
	return a
}

// ApplySynced overwrites the sync-owned fields from ev and leaves every
// user-owned field alone.
func (a *Appointment) ApplySynced(ev NormalizedEvent, syncedAt time.Time) {
	extID := ev.ExternalID
	calID := ev.CalendarID
	a.ExternalID = &extID
	a.CalendarID = &calID
	a.Title = ev.Title
	a.Description = ev.Description
	a.Start = ev.Start
	a.End = ev.End
	a.Date = ev.Date
	a.Category = ev.Category
	a.Recurrence = ev.Recurrence
	t := syncedAt
	a.LastSyncedAt = &t
}

// SyncedFieldsEqual reports whether the sync-owned fields of a already match ev.
func (a *Appointment) SyncedFieldsEqual(ev NormalizedEvent) bool {
	return a.CalendarIDValue() == ev.CalendarID &&
		a.Title == ev.Title &&
		a.Description == ev.Description &&
		a.Start.Equal(ev.Start) &&
		a.End.Equal(ev.End) &&
		a.Date == ev.Date &&
		a.Category == ev.Category &&
		a.Recurrence == ev.Recurrence
}

// Tombstone records that a user deleted a synced appointment on purpose.
type Tombstone struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	ExternalID string    `json:"externalId"`
	CalendarID *string   `json:"calendarId,omitempty"`
	DeletedAt  time.Time `json:"deletedAt"`
}

// ChangeType classifies an appointment history entry.
type ChangeType string

const (
	ChangeCreated          ChangeType = "created"
	ChangeStatusChanged    ChangeType = "status_changed"
	ChangeRescheduled      ChangeType = "rescheduled"
	ChangeNotesUpdated     ChangeType = "notes_updated"
	ChangeRemindersUpdated ChangeType = "reminders_updated"
	ChangeDeleted          ChangeType = "deleted"
)

// HistoryEntry is one audit record of a user-initiated appointment change.
type HistoryEntry struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"userId"`
	AppointmentID int64      `json:"appointmentId"`
	ExternalID    *string    `json:"externalId,omitempty"`
	ChangeType    ChangeType `json:"changeType"`
	Field         string     `json:"fieldChanged,omitempty"`
	OldValue      string     `json:"oldValue,omitempty"`
	NewValue      string     `json:"newValue,omitempty"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}
