package refresh

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"homeboard/internal/feed"
	appLog "homeboard/internal/log"
	"homeboard/internal/metrics"
	"homeboard/internal/model"
	"homeboard/internal/registry"
)

// Fetcher is the slice of the feed fetcher the refresher needs.
type Fetcher interface {
	Refresh(ctx context.Context, src model.Source) (feed.Entry, error)
}

// Weather is the slice of the weather service the refresher needs.
type Weather interface {
	Enabled() bool
	Refresh(ctx context.Context) error
}

// Refresher keeps the caches warm on a cron schedule so requests are
// served from memory even when every upstream is slow.
type Refresher struct {
	reg     registry.Registry
	fetcher Fetcher
	weather Weather
	spec    string
	timeout time.Duration
	cron    *cron.Cron
}

// New creates a Refresher with the given standard five-field cron
// spec. The spec is validated by Start.
func New(reg registry.Registry, fetcher Fetcher, weather Weather, spec string, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Refresher{
		reg:     reg,
		fetcher: fetcher,
		weather: weather,
		spec:    spec,
		timeout: timeout,
		cron:    cron.New(),
	}
}

// Start validates the schedule, primes the caches once in the
// background and starts the cron loop.
func (r *Refresher) Start() error {
	if _, err := r.cron.AddFunc(r.spec, func() { r.RunOnce(context.Background()) }); err != nil {
		return err
	}
	// Prime the caches right away instead of waiting for the first
	// tick.
	go r.RunOnce(context.Background())
	r.cron.Start()
	appLog.Info("refresh scheduler started", "spec", r.spec)
	return nil
}

// Stop stops scheduling new cycles. The returned context completes
// when any in-flight cycle finishes.
func (r *Refresher) Stop() context.Context {
	return r.cron.Stop()
}

// RunOnce refreshes every registered source (and the weather report)
// once. Failures are logged and counted, never fatal: the next cycle
// gets another chance and the caches keep their last good content in
// the meantime.
func (r *Refresher) RunOnce(ctx context.Context) {
	cycle := uuid.NewString()
	started := time.Now()
	failures := 0

	sources, err := r.reg.List(ctx)
	if err != nil {
		appLog.Error("refresh cycle aborted, source listing failed", err, "cycle", cycle)
		metrics.RefreshCycles.WithLabelValues("partial").Inc()
		return
	}

	for _, src := range sources {
		srcCtx, cancel := context.WithTimeout(ctx, r.timeout)
		_, err := r.fetcher.Refresh(srcCtx, src)
		cancel()
		if err != nil {
			failures++
			appLog.Warn("source refresh failed", "cycle", cycle, "source", src.ID, "error", err.Error())
		}
	}

	if r.weather != nil && r.weather.Enabled() {
		wCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.weather.Refresh(wCtx)
		cancel()
		if err != nil {
			failures++
			appLog.Warn("weather refresh failed", "cycle", cycle, "error", err.Error())
		}
	}

	outcome := "ok"
	if failures > 0 {
		outcome = "partial"
	}
	metrics.RefreshCycles.WithLabelValues(outcome).Inc()
	appLog.Info("refresh cycle finished",
		"cycle", cycle, "sources", len(sources), "failures", failures, "took", time.Since(started).String())
}
