// Package metrics defines the Prometheus instruments for the calendar
// engine. All metrics register on the default registry and are exposed
// by the web server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "homeboard"

var (
	// FetchTotal counts feed fetch attempts per source and outcome.
	// Outcomes: "fresh" (served from cache without network I/O),
	// "fetched", "not_modified", "stale" (refresh failed, cached body
	// served) and "error".
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "fetch_total",
		Help:      "Feed fetch attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// FetchDuration observes the wall time of network refreshes.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of feed refreshes over the network.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// CloudEventsSkipped counts cloud events dropped during
	// normalization (missing or malformed start values).
	CloudEventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gcal",
		Name:      "events_skipped_total",
		Help:      "Cloud events skipped during normalization.",
	}, []string{"source"})

	// AggregateDuration observes full aggregation cycles, fan-out
	// included.
	AggregateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agenda",
		Name:      "aggregate_duration_seconds",
		Help:      "Duration of aggregation requests.",
		Buckets:   prometheus.DefBuckets,
	})

	// AggregateEvents observes merged result sizes before truncation.
	AggregateEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agenda",
		Name:      "aggregate_events",
		Help:      "Merged event count per aggregation before the limit is applied.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// SourceFailures counts sources excluded from an aggregation cycle
	// because their fetch or parse failed.
	SourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agenda",
		Name:      "source_failures_total",
		Help:      "Sources excluded from aggregation due to fetch or parse failures.",
	}, []string{"source"})

	// RefreshCycles counts background refresh cycles by outcome
	// ("ok" or "partial" when at least one source failed).
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "cycles_total",
		Help:      "Background refresh cycles by outcome.",
	}, []string{"outcome"})
)
