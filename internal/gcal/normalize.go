package gcal

import (
	"time"

	"google.golang.org/api/calendar/v3"

	appLog "homeboard/internal/log"
	"homeboard/internal/metrics"
	"homeboard/internal/model"
)

// Normalize converts a provider event listing into display events
// inside the window. The provider expands recurrence server-side
// (singleEvents), so every item is already a concrete occurrence and
// no rule handling happens here.
//
// Items that cannot be interpreted are skipped one by one with a
// counter bump; a decoded listing never fails wholesale.
func Normalize(src model.Source, items []*calendar.Event, win model.Window, loc *time.Location) []model.Event {
	if loc == nil {
		loc = time.UTC
	}

	out := make([]model.Event, 0, len(items))
	for _, item := range items {
		if item == nil || item.Start == nil {
			skip(src, "missing start")
			continue
		}

		var (
			start  time.Time
			allDay bool
			err    error
		)
		switch {
		case item.Start.DateTime != "":
			start, err = time.Parse(time.RFC3339, item.Start.DateTime)
			if err != nil {
				skip(src, "bad dateTime")
				continue
			}
		case item.Start.Date != "":
			// All-day items carry a bare date; anchor it at midnight
			// of the display zone.
			start, err = time.ParseInLocation("2006-01-02", item.Start.Date, loc)
			if err != nil {
				skip(src, "bad date")
				continue
			}
			allDay = true
		default:
			skip(src, "empty start")
			continue
		}

		if !win.Contains(start) {
			continue
		}
		out = append(out, model.Event{
			Summary:  item.Summary,
			Start:    start,
			AllDay:   allDay,
			Calendar: src.Name,
			Color:    src.Color,
		})
	}
	return out
}

func skip(src model.Source, reason string) {
	metrics.CloudEventsSkipped.WithLabelValues(src.ID).Inc()
	appLog.Debug("skipping provider event", "source", src.ID, "reason", reason)
}
