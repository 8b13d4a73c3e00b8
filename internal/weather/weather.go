package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	appLog "homeboard/internal/log"
)

// Options configures the weather service. APIKey empty means the
// whole service is disabled.
type Options struct {
	APIKey  string
	Zip     string
	Country string
	// Units is "metric", "imperial" or "standard".
	Units string
	// Staleness is how long a cached report is served without a
	// refresh.
	Staleness time.Duration
	// BaseURL overrides the upstream endpoint, for tests.
	BaseURL string
	Timeout time.Duration
}

// Service caches the current-conditions report for the kiosk display.
// The upstream payload passes through verbatim; the display tier owns
// presentation.
type Service struct {
	client *http.Client
	opts   Options

	mu        sync.Mutex
	body      []byte
	fetchedAt time.Time

	now func() time.Time
}

// New creates a weather service with the given options.
func New(opts Options) *Service {
	if opts.Staleness <= 0 {
		opts.Staleness = 30 * time.Minute
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Units == "" {
		opts.Units = "metric"
	}
	if opts.Country == "" {
		opts.Country = "us"
	}
	return &Service{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		now:    time.Now,
	}
}

// Enabled reports whether weather is configured at all.
func (s *Service) Enabled() bool {
	return s.opts.APIKey != ""
}

// Current returns the cached report, refreshing it when stale. A
// failed refresh falls back to the previous report. Disabled services
// return (nil, nil).
func (s *Service) Current(ctx context.Context) ([]byte, error) {
	if !s.Enabled() {
		return nil, nil
	}

	s.mu.Lock()
	cached := s.body
	fresh := cached != nil && s.now().Sub(s.fetchedAt) < s.opts.Staleness
	s.mu.Unlock()
	if fresh {
		return cached, nil
	}

	if err := s.Refresh(ctx); err != nil {
		if cached != nil {
			appLog.Warn("weather refresh failed, serving stale report", "error", err.Error())
			return cached, nil
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body, nil
}

// Refresh fetches a new report and replaces the cache on success. A
// failure leaves the previous report in place.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.Enabled() {
		return errors.New("weather is not configured")
	}

	q := url.Values{}
	q.Set("zip", fmt.Sprintf("%s,%s", s.opts.Zip, s.opts.Country))
	q.Set("units", s.opts.Units)
	q.Set("appid", s.opts.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from weather API", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// The payload is passed through to clients; at least make sure it
	// is JSON before caching it.
	if !json.Valid(body) {
		return errors.New("weather API returned invalid JSON")
	}

	s.mu.Lock()
	s.body = body
	s.fetchedAt = s.now()
	s.mu.Unlock()

	appLog.Debug("weather refreshed", "bytes", len(body))
	return nil
}
