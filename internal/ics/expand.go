package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "homeboard/internal/log"
	"homeboard/internal/model"
)

// DefaultMaxOccurrences bounds expansion per component so a
// pathological rule (e.g. FREQ=MINUTELY with no end) cannot wedge a
// request.
const DefaultMaxOccurrences = 5000

// Expand materializes the occurrence start times of one component
// inside the window. The window is half-open: an occurrence exactly at
// Window.Start is included, one exactly at Window.End is not.
//
//   - Non-recurring components contribute their start when it falls
//     inside the window.
//   - Recurring components are generated lazily in ascending order
//     with EXDATE instants removed; generation stops past the window
//     end or at maxOccurrences in-window results, whichever comes
//     first. Rules that terminate before the window (UNTIL/COUNT)
//     simply yield nothing.
func Expand(comp Component, win model.Window, maxOccurrences int) []time.Time {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}

	if comp.Rule == nil {
		if win.Contains(comp.Start) {
			return []time.Time{comp.Start}
		}
		return nil
	}

	var set rrule.Set
	set.RRule(comp.Rule)
	for _, ex := range comp.ExDates {
		// Exclusions match by instant, not by wall-clock rendering.
		set.ExDate(ex)
	}

	times := make([]time.Time, 0)
	next := set.Iterator()
	for {
		t, ok := next()
		if !ok {
			break
		}
		if !t.Before(win.End) {
			break
		}
		if t.Before(win.Start) {
			continue
		}
		times = append(times, t)
		if len(times) >= maxOccurrences {
			appLog.Warn("occurrence cap reached, truncating expansion",
				"summary", comp.Summary, "cap", maxOccurrences)
			break
		}
	}
	return times
}
