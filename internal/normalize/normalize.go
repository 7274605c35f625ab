// Package normalize turns raw provider events into NormalizedEvents and
// collapses duplicates emitted within a fetch.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"plannersync/internal/models"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"

	untitled = "Untitled Event"
)

// Normalizer converts raw events using a fixed reference location, so the
// derived date of an appointment does not depend on where it is viewed from.
type Normalizer struct {
	loc *time.Location
}

// New returns a Normalizer for the given reference location (UTC if nil).
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Location returns the reference location.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Normalize converts raw into a NormalizedEvent. It reports false when the
// event has neither a usable start nor a usable end.
func (n *Normalizer) Normalize(raw models.RawEvent, calendarID string) (models.NormalizedEvent, bool) {
	start, startAllDay, okStart := n.parseTime(raw.Start)
	end, endAllDay, okEnd := n.parseTime(raw.End)
	if !okStart && !okEnd {
		return models.NormalizedEvent{}, false
	}

	allDay := startAllDay
	if !okStart {
		allDay = endAllDay
		start = end
		if allDay {
			start = end.AddDate(0, 0, -1)
		}
	}
	if !okEnd {
		end = start.Add(time.Hour)
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	}

	title := strings.TrimSpace(raw.Summary)
	if title == "" {
		title = untitled
	}

	local := start.In(n.loc)
	date := local.Format(dateLayout)
	clock := local.Format(clockLayout)

	return models.NormalizedEvent{
		Key: models.DedupKey{
			CalendarID: calendarID,
			Title:      title,
			Date:       date,
			Clock:      clock,
		},
		ExternalID:  raw.ID,
		CalendarID:  calendarID,
		Title:       title,
		Description: raw.Description,
		Start:       start,
		End:         end,
		Date:        date,
		Category:    Category(raw.ColorID),
		Recurrence:  n.describeRecurrence(raw.Recurrence, start),
		AllDay:      allDay,
	}, true
}

// Batch normalizes raws into set and returns how many events were added.
// Malformed events and duplicates of events already in set are skipped.
func (n *Normalizer) Batch(raws []models.RawEvent, calendarID string, set *Set) int {
	added := 0
	for _, raw := range raws {
		ev, ok := n.Normalize(raw, calendarID)
		if !ok {
			continue
		}
		if set.Add(ev) {
			added++
		}
	}
	return added
}

// parseTime parses a timed value as an absolute instant, or a date-only value
// as midnight of that date in the reference location.
func (n *Normalizer) parseTime(t models.EventTime) (time.Time, bool, bool) {
	if t.DateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return parsed, false, true
		}
	}
	if t.Date != "" {
		if parsed, err := time.ParseInLocation(dateLayout, t.Date, n.loc); err == nil {
			return parsed, true, true
		}
	}
	return time.Time{}, false, false
}

// Category maps a provider color id onto Categories.
func Category(colorID string) string {
	id, err := strconv.Atoi(strings.TrimSpace(colorID))
	if err != nil || id < 0 {
		return models.CategoryOther
	}
	return models.Categories[id%len(models.Categories)]
}

type recurrence struct {
	Frequency string `json:"frequency"`
	Until     string `json:"until"`
	Rule      string `json:"rule"`
}

// describeRecurrence builds a placeholder recurrence descriptor. The cutoff is
// anchored on the event start so the value is stable between syncs.
func (n *Normalizer) describeRecurrence(lines []string, start time.Time) string {
	if len(lines) == 0 {
		return ""
	}

	freq := rrule.WEEKLY
	for _, line := range lines {
		upper := strings.ToUpper(strings.TrimSpace(line))
		if !strings.HasPrefix(upper, "RRULE:") {
			continue
		}
		opt, err := rrule.StrToROption(strings.TrimPrefix(upper, "RRULE:"))
		if err != nil {
			break
		}
		switch opt.Freq {
		case rrule.DAILY, rrule.WEEKLY, rrule.MONTHLY:
			freq = opt.Freq
		}
		break
	}

	until := start.In(n.loc).AddDate(1, 0, 0)
	opt := rrule.ROption{Freq: freq, Until: until}
	desc := recurrence{
		Frequency: strings.ToLower(freq.String()),
		Until:     until.Format(dateLayout),
		Rule:      opt.RRuleString(),
	}
	b, err := json.Marshal(desc)
	if err != nil {
		return ""
	}
	return string(b)
}
