package syncer

import (
	"time"

	"plannersync/internal/models"
)

// CalendarStatus is the state of one calendar within a run.
type CalendarStatus string

const (
	StatusPending    CalendarStatus = "pending"
	StatusInProgress CalendarStatus = "in-progress"
	StatusSucceeded  CalendarStatus = "succeeded"
	StatusFailed     CalendarStatus = "failed"
)

// CalendarReport is the outcome for one calendar.
type CalendarReport struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Status CalendarStatus `json:"status"`
	Events int            `json:"events"`
	Error  string         `json:"error,omitempty"`
}

func (c *CalendarReport) fail(err error) {
	c.Status = StatusFailed
	c.Events = 0
	c.Error = err.Error()
}

// Report summarizes a sync run.
type Report struct {
	RunID           string           `json:"runId"`
	UserID          int64            `json:"userId"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      time.Time        `json:"finishedAt"`
	Calendars       []CalendarReport `json:"calendars"`
	EventsSubmitted int              `json:"eventsSubmitted"`
	Upserted        int              `json:"upserted"`
	Deleted         int              `json:"deleted"`
	Suppressed      int              `json:"suppressed"`
}

func newReport(userID int64, calendars []models.CalendarRef) *Report {
	r := &Report{
		RunID:     newRunID(),
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		Calendars: make([]CalendarReport, len(calendars)),
	}
	for i, c := range calendars {
		r.Calendars[i] = CalendarReport{ID: c.ID, Name: c.Name, Status: StatusPending}
	}
	return r
}

func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
}

// Calendar returns the report for calendarID, or nil.
func (r *Report) Calendar(calendarID string) *CalendarReport {
	for i := range r.Calendars {
		if r.Calendars[i].ID == calendarID {
			return &r.Calendars[i]
		}
	}
	return nil
}

// Failed returns how many calendars failed.
func (r *Report) Failed() int {
	n := 0
	for _, c := range r.Calendars {
		if c.Status == StatusFailed {
			n++
		}
	}
	return n
}
