package icloud

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"plannersync/internal/models"
)

const (
	// maxOccurrences caps the expansion of one series.
	maxOccurrences = 5000

	icalDateLayout    = "20060102"
	icalDateTimeUTC   = "20060102T150405Z"
	instanceSeparator = "_"
)

// vevent is a parsed VEVENT. Masters have a zero recurrenceID; overrides of a
// single occurrence carry the start of the slot they replace.
type vevent struct {
	uid         string
	summary     string
	description string
	location    string

	start  time.Time
	end    time.Time
	hasEnd bool
	allDay bool

	rules   []string
	exdates []time.Time

	recurrenceID       time.Time
	recurrenceIDAllDay bool
}

func (v vevent) isOverride() bool {
	return !v.recurrenceID.IsZero()
}

// readEvent parses a VEVENT. Floating times are read in loc.
func readEvent(comp *ical.Component, loc *time.Location) (vevent, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil {
		return vevent{}, fmt.Errorf("read UID: %w", err)
	}
	if uid == "" {
		return vevent{}, errors.New("event has no UID")
	}

	v := vevent{uid: uid}
	v.summary, _ = comp.Props.Text(ical.PropSummary)
	v.description, _ = comp.Props.Text(ical.PropDescription)
	v.location, _ = comp.Props.Text(ical.PropLocation)

	if prop := comp.Props.Get(ical.PropDateTimeStart); prop != nil {
		if v.start, v.allDay, err = propTime(prop, loc); err != nil {
			return vevent{}, fmt.Errorf("read DTSTART: %w", err)
		}
	}
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		if v.end, _, err = propTime(prop, loc); err != nil {
			return vevent{}, fmt.Errorf("read DTEND: %w", err)
		}
		v.hasEnd = true
	} else if dur := comp.Props.Get(ical.PropDuration); dur != nil && !v.start.IsZero() {
		if d, err := dur.Duration(); err == nil {
			v.end = v.start.Add(d)
			v.hasEnd = true
		}
	}

	for _, prop := range comp.Props.Values(ical.PropRecurrenceRule) {
		v.rules = append(v.rules, prop.Value)
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(prop.Value, ",") {
			single := ical.Prop{Name: prop.Name, Params: prop.Params, Value: strings.TrimSpace(value)}
			t, _, err := propTime(&single, loc)
			if err != nil {
				return vevent{}, fmt.Errorf("read EXDATE: %w", err)
			}
			v.exdates = append(v.exdates, t)
		}
	}
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		if v.recurrenceID, v.recurrenceIDAllDay, err = propTime(prop, loc); err != nil {
			return vevent{}, fmt.Errorf("read RECURRENCE-ID: %w", err)
		}
	}
	return v, nil
}

// propTime reads a DATE or DATE-TIME value. A TZID the system does not know
// falls back to loc.
func propTime(prop *ical.Prop, loc *time.Location) (time.Time, bool, error) {
	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) || len(prop.Value) == len(icalDateLayout) {
		t, err := time.ParseInLocation(icalDateLayout, prop.Value, loc)
		return t, true, err
	}
	t, err := prop.DateTime(loc)
	if err != nil && prop.Params.Get(ical.ParamTimezoneID) != "" {
		bare := ical.Prop{Name: prop.Name, Params: make(ical.Params), Value: prop.Value}
		for name, values := range prop.Params {
			if name != ical.ParamTimezoneID {
				bare.Params[name] = values
			}
		}
		t, err = bare.DateTime(loc)
	}
	return t, false, err
}

// overlaps reports whether v intersects [from, to].
func (v vevent) overlaps(from, to time.Time) bool {
	end := v.end
	if !v.hasEnd {
		end = v.start
	}
	return !v.start.After(to) && !end.Before(from)
}

// instanceKey identifies one occurrence of a series by its original start.
func instanceKey(start time.Time, allDay bool) string {
	if allDay {
		return start.Format(icalDateLayout)
	}
	return start.UTC().Format(icalDateTimeUTC)
}

// instanceID builds the external id of one occurrence, in the same shape as
// Google's expanded instance ids.
func instanceID(uid, key string) string {
	return uid + instanceSeparator + key
}

// splitInstanceID reverses instanceID. ok is false for plain UIDs.
func splitInstanceID(id string) (uid, key string, ok bool) {
	i := strings.LastIndex(id, instanceSeparator)
	if i <= 0 {
		return "", "", false
	}
	uid, key = id[:i], id[i+1:]
	if _, err := time.Parse(icalDateLayout, key); err == nil {
		return uid, key, true
	}
	if _, err := time.Parse(icalDateTimeUTC, key); err == nil {
		return uid, key, true
	}
	return "", "", false
}

func (v vevent) toRaw(id string, start, end time.Time, rules []string) models.RawEvent {
	raw := models.RawEvent{
		ID:          id,
		Summary:     v.summary,
		Description: v.description,
		Location:    v.location,
		Start:       eventTime(start, v.allDay),
		End:         eventTime(end, v.allDay),
	}
	for _, rule := range rules {
		raw.Recurrence = append(raw.Recurrence, "RRULE:"+rule)
	}
	return raw
}

func eventTime(t time.Time, allDay bool) models.EventTime {
	switch {
	case t.IsZero():
		return models.EventTime{}
	case allDay:
		return models.EventTime{Date: t.Format(dateLayout)}
	default:
		return models.EventTime{DateTime: t.Format(time.RFC3339)}
	}
}

// occurrences returns the starts of v's series within [from, to], without
// excluded dates. The bool reports whether the cap was hit.
func (v vevent) occurrences(from, to time.Time) ([]time.Time, bool, error) {
	// Multiple RRULEs are deprecated; only the first one is honored.
	opt, err := rrule.StrToROption(v.rules[0])
	if err != nil {
		return nil, false, fmt.Errorf("parse RRULE %q: %w", v.rules[0], err)
	}
	opt.Dtstart = v.start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("build RRULE %q: %w", v.rules[0], err)
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range v.exdates {
		set.ExDate(ex.In(v.start.Location()))
	}

	starts := set.Between(from.In(v.start.Location()), to.In(v.start.Location()), true)
	if len(starts) > maxOccurrences {
		return starts[:maxOccurrences], true, nil
	}
	return starts, false, nil
}

// expand turns parsed VEVENTs into one RawEvent per occurrence. Series are
// expanded within [from, to]; an override replaces the occurrence it names and
// keeps that occurrence's id, so a moved instance stays the same appointment.
func expand(logger *slog.Logger, events []vevent, from, to time.Time) []models.RawEvent {
	masters := make(map[string]vevent)
	overridden := make(map[string]map[string]bool)
	for _, ev := range events {
		if ev.isOverride() {
			if overridden[ev.uid] == nil {
				overridden[ev.uid] = make(map[string]bool)
			}
			overridden[ev.uid][instanceKey(ev.recurrenceID, ev.recurrenceIDAllDay)] = true
			continue
		}
		if len(ev.rules) > 0 {
			masters[ev.uid] = ev
		}
	}

	var out []models.RawEvent
	for _, ev := range events {
		if ev.isOverride() {
			if !ev.overlaps(from, to) {
				continue
			}
			key := instanceKey(ev.recurrenceID, ev.recurrenceIDAllDay)
			out = append(out, ev.toRaw(instanceID(ev.uid, key), ev.start, ev.end, masters[ev.uid].rules))
			continue
		}
		if len(ev.rules) == 0 || ev.start.IsZero() {
			out = append(out, ev.toRaw(ev.uid, ev.start, ev.end, nil))
			continue
		}

		// Occurrences that started before the window but are still running count.
		lookback := from
		if ev.hasEnd {
			lookback = from.Add(-ev.end.Sub(ev.start))
		}
		starts, truncated, err := ev.occurrences(lookback, to)
		if err != nil {
			logger.Warn("Could not expand recurring event, keeping the first occurrence", "uid", ev.uid, "error", err)
			out = append(out, ev.toRaw(ev.uid, ev.start, ev.end, ev.rules))
			continue
		}
		if truncated {
			logger.Warn("Recurring event has too many occurrences, truncating", "uid", ev.uid, "cap", maxOccurrences)
		}

		days := 0
		if ev.allDay && ev.hasEnd {
			days = int(ev.end.Sub(ev.start).Round(24*time.Hour) / (24 * time.Hour))
		}
		for _, start := range starts {
			key := instanceKey(start, ev.allDay)
			if overridden[ev.uid][key] {
				continue
			}
			var end time.Time
			switch {
			case !ev.hasEnd:
			case ev.allDay:
				end = start.AddDate(0, 0, days)
			default:
				end = start.Add(ev.end.Sub(ev.start))
			}
			out = append(out, ev.toRaw(instanceID(ev.uid, key), start, end, ev.rules))
		}
	}
	return out
}
