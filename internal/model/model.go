package model

import (
	"errors"
	"fmt"
	"time"
)

// Source describes one configured calendar source as seen by the
// aggregation engine. Sources are owned by the registry (config file or
// sqlite); the engine never mutates them.
//
// Exactly one of FeedURL / GoogleID must be set:
//   - FeedURL:  a remote iCalendar subscription endpoint.
//   - GoogleID: a Google calendar identifier fetched through the
//     provider's events API.
type Source struct {
	ID    string // internal identifier used for cache keys and logging
	Name  string // human-friendly label shown next to each event
	Color string // display color tag (e.g. "#3B82F6")

	FeedURL  string
	GoogleID string
}

// IsCloud reports whether the source is backed by the cloud provider
// rather than a plain iCalendar feed.
func (s Source) IsCloud() bool {
	return s.GoogleID != ""
}

// Validate checks the one-of address invariant.
func (s Source) Validate() error {
	if s.FeedURL == "" && s.GoogleID == "" {
		return fmt.Errorf("source %q: neither feed url nor google calendar id is set", s.ID)
	}
	if s.FeedURL != "" && s.GoogleID != "" {
		return fmt.Errorf("source %q: both feed url and google calendar id are set", s.ID)
	}
	return nil
}

// Event is the unified event shape produced by both the iCalendar and
// the cloud path. It is the only representation that crosses the
// aggregator boundary; callers never see format-specific types.
type Event struct {
	Summary string
	Start   time.Time
	// AllDay marks date-only events. Start is then midnight of that
	// date in the zone the event was resolved in.
	AllDay   bool
	Calendar string // source display name
	Color    string // source color tag
}

// Window is a half-open [Start, End) instant range supplied by the
// caller. It bounds both direct filtering of single events and
// recurrence expansion. Constructed per request, never persisted.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window and rejects empty or inverted ranges.
func NewWindow(start, end time.Time) (Window, error) {
	if !end.After(start) {
		return Window{}, errors.New("window end must be after start")
	}
	return Window{Start: start, End: end}, nil
}

// Contains reports whether t falls inside the window. The start bound
// is inclusive, the end bound exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
