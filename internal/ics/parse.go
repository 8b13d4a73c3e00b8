package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "homeboard/internal/log"
)

// Component is the normalized representation of a VEVENT as produced
// by the parser. Recurrence expansion operates on this type.
type Component struct {
	Summary string

	// Start is the first (or only) occurrence start, resolved to a
	// concrete zone.
	Start  time.Time
	AllDay bool

	// Rule is the recurrence rule anchored at Start, nil for
	// one-off events.
	Rule *rrule.RRule
	// ExDates are occurrence instants removed from the rule.
	ExDates []time.Time
}

// ParseError reports an unusable calendar document. One bad component
// fails the whole source: a partially-read calendar would silently
// drop events, which reads as "nothing scheduled" on a kiosk.
type ParseError struct {
	SourceID string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.SourceID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse parses a single iCalendar payload into a list of Components.
//
//   - Zone resolution per value: a trailing Z means UTC, a TZID
//     parameter names the zone, everything else floats in the calendar
//     zone (X-WR-TIMEZONE when present, else the caller's fallback).
//   - All-day events are detected from VALUE=DATE or a date-only
//     DTSTART and anchored at midnight of the resolved zone.
//   - RRULE/EXDATE are validated here but not expanded; expansion is
//     done in expand.go.
func Parse(sourceID string, body []byte, fallback *time.Location) ([]Component, error) {
	if fallback == nil {
		fallback = time.UTC
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{SourceID: sourceID, Err: errors.New("empty calendar body")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{SourceID: sourceID, Err: err}
	}

	loc := calendarLocation(cal, fallback)

	comps := make([]Component, 0)
	for _, ve := range cal.Events() {
		c, err := parseVEvent(ve, loc)
		if err != nil {
			return nil, &ParseError{SourceID: sourceID, Err: err}
		}
		comps = append(comps, c)
	}

	appLog.Debug("calendar parsed", "source", sourceID, "components", len(comps), "zone", loc.String())
	return comps, nil
}

// calendarLocation resolves the calendar-level zone from the
// non-standard (but ubiquitous) X-WR-TIMEZONE property.
func calendarLocation(cal *ical.Calendar, fallback *time.Location) *time.Location {
	for _, p := range cal.CalendarProperties {
		if p.IANAToken != "X-WR-TIMEZONE" || p.Value == "" {
			continue
		}
		loc, err := time.LoadLocation(p.Value)
		if err != nil {
			appLog.Warn("unloadable calendar timezone, using fallback",
				"tz", p.Value, "fallback", fallback.String())
			return fallback
		}
		return loc
	}
	return fallback
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (Component, error) {
	var out Component

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || dtStart.Value == "" {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := parseDateTimeValue(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("bad DTSTART %q: %w", dtStart.Value, err)
	}
	out.Start = start
	out.AllDay = allDay

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		r, err := rrule.StrToRRule(p.Value)
		if err != nil {
			return out, fmt.Errorf("bad RRULE %q: %w", p.Value, err)
		}
		// Anchor the rule at the event start; the library defaults
		// dtstart to construction time otherwise.
		r.DTStart(out.Start)
		out.Rule = r
	}

	// EXDATE can appear multiple times and each occurrence can carry a
	// comma-separated value list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		if p.Value == "" {
			continue
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseDateTimeValue(part, p.ICalParameters, loc)
			if err != nil {
				return out, fmt.Errorf("bad EXDATE %q: %w", part, err)
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	return out, nil
}

// parseDateTimeValue resolves one DATE / DATE-TIME value with its
// parameters against the calendar zone.
func parseDateTimeValue(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	zone := loc
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 && tzs[0] != "" {
		z, err := time.LoadLocation(tzs[0])
		if err != nil {
			appLog.Warn("unloadable TZID, using calendar zone", "tzid", tzs[0], "fallback", loc.String())
		} else {
			zone = z
		}
	}

	// VALUE=DATE or a value without a time part -> all-day, anchored
	// at midnight of the resolved zone.
	dateOnly := !strings.Contains(v, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}
	if dateOnly {
		t, err := time.ParseInLocation("20060102", v, zone)
		return t, true, err
	}

	// UTC form, e.g., 20260101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	// Floating or TZID-qualified local form, e.g., 20260101T090000
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}
