package agenda

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"homeboard/internal/feed"
	"homeboard/internal/gcal"
	"homeboard/internal/ics"
	appLog "homeboard/internal/log"
	"homeboard/internal/metrics"
	"homeboard/internal/model"
)

// Fetcher is the slice of the feed fetcher the aggregator needs.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (feed.Result, error)
}

// Options configures an Aggregator. Zero values get usable defaults.
type Options struct {
	// SourceTimeout bounds the fetch and parse work per source.
	SourceTimeout time.Duration
	// DefaultLocation is the zone for feeds that declare none and for
	// all-day provider dates.
	DefaultLocation *time.Location
	// MaxOccurrences caps recurrence expansion per component.
	MaxOccurrences int
	// DefaultLimit applies when a request passes no limit.
	DefaultLimit int
}

// Aggregator merges events from every registered source into one
// ordered agenda.
type Aggregator struct {
	fetcher Fetcher
	opts    Options
}

// New creates an Aggregator reading sources through the given fetcher.
func New(fetcher Fetcher, opts Options) *Aggregator {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 20 * time.Second
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = ics.DefaultMaxOccurrences
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	return &Aggregator{fetcher: fetcher, opts: opts}
}

// Aggregate fans out over the sources, collects their events inside
// the window and returns the first limit events ordered by start time.
//
// Failures stay contained: a source that cannot be fetched or parsed
// is logged and counted, and contributes nothing this round. The
// agenda that comes back is whatever the healthy sources produced; an
// empty agenda is a valid answer.
//
// Ordering is total so repeated calls over identical content return
// identical agendas: start time, then source registration order, then
// summary.
func (a *Aggregator) Aggregate(ctx context.Context, sources []model.Source, win model.Window, limit int) []model.Event {
	if limit <= 0 {
		limit = a.opts.DefaultLimit
	}

	runID := uuid.NewString()
	started := time.Now()

	perSource := make([][]model.Event, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src model.Source) {
			defer wg.Done()
			srcCtx, cancel := context.WithTimeout(ctx, a.opts.SourceTimeout)
			defer cancel()

			events, err := a.collect(srcCtx, src, win)
			if err != nil {
				metrics.SourceFailures.WithLabelValues(src.ID).Inc()
				appLog.Error("source skipped this round", err, "run", runID, "source", src.ID, "name", src.Name)
				return
			}
			perSource[i] = events
		}(i, src)
	}
	wg.Wait()

	type ranked struct {
		ev  model.Event
		src int
	}
	merged := make([]ranked, 0)
	for i, events := range perSource {
		for _, ev := range events {
			merged = append(merged, ranked{ev: ev, src: i})
		}
	}
	slices.SortFunc(merged, func(x, y ranked) int {
		if c := x.ev.Start.Compare(y.ev.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(x.src, y.src); c != 0 {
			return c
		}
		return strings.Compare(x.ev.Summary, y.ev.Summary)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	out := make([]model.Event, 0, len(merged))
	for _, r := range merged {
		out = append(out, r.ev)
	}

	metrics.AggregateDuration.Observe(time.Since(started).Seconds())
	metrics.AggregateEvents.Observe(float64(len(out)))
	appLog.Debug("agenda aggregated", "run", runID, "sources", len(sources), "events", len(out))
	return out
}

// collect fetches one source and converts its payload into display
// events inside the window.
func (a *Aggregator) collect(ctx context.Context, src model.Source, win model.Window) ([]model.Event, error) {
	res, err := a.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}

	// Provider listings arrive pre-expanded; feeds need parse + expand.
	if res.Entry.Kind == feed.KindJSON {
		return gcal.Normalize(src, res.Entry.Events, win, a.opts.DefaultLocation), nil
	}

	comps, err := ics.Parse(src.ID, res.Entry.Body, a.opts.DefaultLocation)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0)
	for _, comp := range comps {
		for _, start := range ics.Expand(comp, win, a.opts.MaxOccurrences) {
			events = append(events, model.Event{
				Summary:  comp.Summary,
				Start:    start,
				AllDay:   comp.AllDay,
				Calendar: src.Name,
				Color:    src.Color,
			})
		}
	}
	return events, nil
}
