package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"

	appLog "homeboard/internal/log"
	"homeboard/internal/metrics"
	"homeboard/internal/model"
)

const userAgent = "homeboard/0.1"

// Options configures a Fetcher. Zero values get usable defaults.
type Options struct {
	// Staleness is how long a cached entry satisfies Fetch without a
	// network round trip.
	Staleness time.Duration
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
	// CacheSize bounds the number of cached sources.
	CacheSize int
	// Detector overrides the payload dispatch rule.
	Detector Detector
	// TokenSource supplies OAuth tokens for provider-hosted sources.
	// Nil means such sources fail with a configuration error.
	TokenSource oauth2.TokenSource
	// GoogleAPIBase is the provider events API root.
	GoogleAPIBase string
	// GoogleMaxResults caps events requested per provider fetch.
	GoogleMaxResults int
	// RatePerSec limits outbound requests across all sources.
	// Zero or negative disables the limiter.
	RatePerSec float64
	// Burst is the limiter burst size.
	Burst int
}

// Fetcher retrieves calendar sources over HTTP and caches the results
// per source id.
//
// Behavior:
//   - Fresh cache entries are returned without touching the network.
//   - Stale entries trigger a refresh; concurrent refreshes for the
//     same source are collapsed into one request.
//   - A failed refresh falls back to the previous entry (marked stale)
//     when one exists; the cache itself is never clobbered by failures.
//   - Repeated failures open a per-source circuit breaker; further
//     requests fail fast until the cooldown passes.
type Fetcher struct {
	client     *http.Client
	store      *Store
	detect     Detector
	tokens     oauth2.TokenSource
	apiBase    string
	maxResults int
	staleness  time.Duration
	limiter    *rate.Limiter
	flight     singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Entry]

	now func() time.Time
}

// NewFetcher creates a Fetcher with the given options.
func NewFetcher(opts Options) *Fetcher {
	if opts.Staleness <= 0 {
		opts.Staleness = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Detector == nil {
		opts.Detector = ContentTypeDetector{}
	}
	if opts.GoogleAPIBase == "" {
		opts.GoogleAPIBase = "https://www.googleapis.com/calendar/v3"
	}
	if opts.GoogleMaxResults <= 0 {
		opts.GoogleMaxResults = 50
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return &Fetcher{
		client:     &http.Client{Timeout: opts.Timeout},
		store:      NewStore(opts.CacheSize),
		detect:     opts.Detector,
		tokens:     opts.TokenSource,
		apiBase:    strings.TrimRight(opts.GoogleAPIBase, "/"),
		maxResults: opts.GoogleMaxResults,
		staleness:  opts.Staleness,
		limiter:    limiter,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[Entry]),
		now:        time.Now,
	}
}

// Cached returns the current cache entry for a source id, if any.
func (f *Fetcher) Cached(id string) (Entry, bool) {
	return f.store.Get(id)
}

// Fetch returns usable content for the source, preferring the cache.
//
// Outcomes:
//   - fresh cache entry: returned as-is
//   - stale or missing entry: refreshed over the network
//   - refresh failed, cache present: previous entry returned with
//     Result.Stale set
//   - refresh failed, no cache: a *FetchError
func (f *Fetcher) Fetch(ctx context.Context, src model.Source) (Result, error) {
	if e, ok := f.store.Get(src.ID); ok && f.now().Sub(e.FetchedAt) < f.staleness {
		metrics.FetchTotal.WithLabelValues(src.ID, "fresh").Inc()
		return Result{Entry: e}, nil
	}

	entry, err := f.refreshShared(ctx, src)
	if err != nil {
		if e, ok := f.store.Get(src.ID); ok {
			appLog.Warn("refresh failed, serving stale content",
				"source", src.ID, "age", f.now().Sub(e.FetchedAt).String(), "error", err.Error())
			metrics.FetchTotal.WithLabelValues(src.ID, "stale").Inc()
			return Result{Entry: e, Stale: true}, nil
		}
		return Result{}, err
	}
	return Result{Entry: entry}, nil
}

// Refresh fetches the source unconditionally (no freshness short
// circuit) and updates the cache on success. The background scheduler
// uses this to keep entries warm.
func (f *Fetcher) Refresh(ctx context.Context, src model.Source) (Entry, error) {
	return f.refreshShared(ctx, src)
}

// refreshShared collapses concurrent refreshes per source id, so a web
// request racing the scheduler costs one upstream round trip.
func (f *Fetcher) refreshShared(ctx context.Context, src model.Source) (Entry, error) {
	v, err, shared := f.flight.Do(src.ID, func() (any, error) {
		return f.refresh(ctx, src)
	})
	if shared {
		appLog.Debug("refresh shared with concurrent caller", "source", src.ID)
	}
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (f *Fetcher) refresh(ctx context.Context, src model.Source) (Entry, error) {
	cb := f.breaker(src.ID)
	start := time.Now()
	entry, err := cb.Execute(func() (Entry, error) {
		return f.doFetch(ctx, src)
	})
	metrics.FetchDuration.WithLabelValues(src.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(src.ID, "error").Inc()
		return Entry{}, wrapFetchErr(src.ID, err)
	}
	f.store.Put(src.ID, entry)
	return entry, nil
}

// breaker returns the circuit breaker for a source, creating it on
// first use.
func (f *Fetcher) breaker(id string) *gobreaker.CircuitBreaker[Entry] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[id]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[Entry](gobreaker.Settings{
		Name:        "feed:" + id,
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("feed circuit state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[id] = cb
	return cb
}

func wrapFetchErr(id string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{SourceID: id, Err: err}
}

// doFetch performs one network round trip for the source and builds a
// complete cache entry from the response.
func (f *Fetcher) doFetch(ctx context.Context, src model.Source) (Entry, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Entry{}, err
		}
	}
	if src.IsCloud() {
		return f.fetchCloud(ctx, src)
	}
	return f.fetchFeed(ctx, src)
}

// fetchFeed retrieves a subscription feed with conditional request
// support.
//
// Behavior:
//   - Sends If-None-Match / If-Modified-Since when a previous entry
//     holds validators.
//   - 200: reads the body, dispatches on Content-Type and builds a new
//     entry (validators included for next time).
//   - 304: reuses the previous entry with a refreshed FetchedAt.
//   - Anything else is a fetch error.
func (f *Fetcher) fetchFeed(ctx context.Context, src model.Source) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.FeedURL, nil)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	prev, hasPrev := f.store.Get(src.ID)
	if hasPrev {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Handled below.
	case http.StatusNotModified:
		if !hasPrev {
			return Entry{}, &FetchError{SourceID: src.ID, Err: errors.New("got 304 without cached content")}
		}
		entry := prev
		entry.FetchedAt = f.now()
		metrics.FetchTotal.WithLabelValues(src.ID, "not_modified").Inc()
		appLog.Debug("feed not modified", "source", src.ID)
		return entry, nil
	default:
		return Entry{}, &FetchError{
			SourceID: src.ID,
			Err:      fmt.Errorf("unexpected status %d from %s", resp.StatusCode, redactURL(src.FeedURL)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}

	entry := Entry{
		Kind:         f.detect.Detect(resp.Header),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    f.now(),
	}
	switch entry.Kind {
	case KindJSON:
		events, err := decodeEvents(body)
		if err != nil {
			return Entry{}, &FetchError{SourceID: src.ID, Err: fmt.Errorf("decode event listing: %w", err)}
		}
		entry.Events = events
	default:
		// Strip UTF-8 BOM some hosting providers prepend.
		body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
		if len(bytes.TrimSpace(body)) == 0 {
			return Entry{}, &FetchError{SourceID: src.ID, Err: errors.New("empty response body")}
		}
		entry.Body = body
	}

	metrics.FetchTotal.WithLabelValues(src.ID, "fetched").Inc()
	appLog.Debug("feed fetched", "source", src.ID, "kind", entry.Kind.String(), "bytes", len(body))
	return entry, nil
}

// fetchCloud retrieves upcoming events from the provider API. The
// provider expands recurrence server-side (singleEvents), so these
// entries never carry rules to expand locally.
func (f *Fetcher) fetchCloud(ctx context.Context, src model.Source) (Entry, error) {
	if f.tokens == nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: errors.New("google credentials are not configured")}
	}
	tok, err := f.tokens.Token()
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: fmt.Errorf("oauth token: %w", err)}
	}

	q := url.Values{}
	q.Set("timeMin", f.now().UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(f.maxResults))
	u := fmt.Sprintf("%s/calendars/%s/events?%s", f.apiBase, url.PathEscape(src.GoogleID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	tok.SetAuthHeader(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Entry{}, &FetchError{
			SourceID: src.ID,
			Err:      fmt.Errorf("unexpected status %d from provider events API", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: err}
	}
	events, err := decodeEvents(body)
	if err != nil {
		return Entry{}, &FetchError{SourceID: src.ID, Err: fmt.Errorf("decode event listing: %w", err)}
	}

	metrics.FetchTotal.WithLabelValues(src.ID, "fetched").Inc()
	appLog.Debug("provider events fetched", "source", src.ID, "count", len(events))
	return Entry{Kind: KindJSON, Events: events, FetchedAt: f.now()}, nil
}

// decodeEvents accepts both the provider envelope ({"items": [...]})
// and a bare event array, which some proxying feeds emit.
func decodeEvents(body []byte) ([]*calendar.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty response body")
	}
	if trimmed[0] == '[' {
		var items []*calendar.Event
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var payload struct {
		Items []*calendar.Event `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// redactURL strips credentials and query strings before a URL reaches
// the logs. Private ICS links carry secrets in both places.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
