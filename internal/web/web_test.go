package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeboard/internal/config"
	"homeboard/internal/feed"
	"homeboard/internal/model"
	"homeboard/internal/registry"
)

var testBase = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeAgenda struct {
	mu     sync.Mutex
	calls  int
	events []model.Event
}

func (f *fakeAgenda) Aggregate(ctx context.Context, sources []model.Source, win model.Window, limit int) []model.Event {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if len(f.events) > limit {
		return f.events[:limit]
	}
	return f.events
}

func (f *fakeAgenda) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeWeather struct {
	enabled bool
	body    []byte
	err     error
}

func (f *fakeWeather) Enabled() bool { return f.enabled }

func (f *fakeWeather) Current(ctx context.Context) ([]byte, error) { return f.body, f.err }

type fakeCache struct {
	entries map[string]feed.Entry
}

func (f *fakeCache) Cached(id string) (feed.Entry, bool) {
	e, ok := f.entries[id]
	return e, ok
}

func newTestServer(t *testing.T, mutate func(*config.Config), agenda Agenda, wx Weather, cache Cache) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sources = []config.SourceConfig{
		{ID: "fam", Name: "Family", Color: "red", URL: "https://cal.example.com/family.ics"},
		{ID: "g", Name: "Cloud", GoogleID: "fam@group.calendar.google.com"},
	}
	require.NoError(t, cfg.Normalize())
	if mutate != nil {
		mutate(cfg)
	}

	reg, err := registry.FromConfig(cfg.Sources)
	require.NoError(t, err)

	s := NewServer(cfg, reg, agenda, wx, cache)
	s.now = func() time.Time { return testBase }
	return s
}

func doReq(h http.Handler, target string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleEvents() []model.Event {
	return []model.Event{
		{Summary: "Holiday", Start: testBase.AddDate(0, 0, 2), AllDay: true, Calendar: "Family", Color: "red"},
		{Summary: "Team sync", Start: testBase.AddDate(0, 0, 3), Calendar: "Work", Color: "blue"},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, &fakeAgenda{}, nil, nil)
	rec := doReq(s.Handler(), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAgendaResponseShape(t *testing.T) {
	agenda := &fakeAgenda{events: sampleEvents()}
	s := newTestServer(t, nil, agenda, nil, nil)

	rec := doReq(s.Handler(), "/api/agenda?days=7&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp agendaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "Holiday", resp.Events[0].Summary)
	assert.True(t, resp.Events[0].AllDay)
	assert.Equal(t, "Family", resp.Events[0].Calendar)
	assert.Equal(t, 5, resp.Limit)
	assert.Equal(t, "UTC", resp.Timezone)
	assert.True(t, resp.Window.Start.Equal(testBase))
	assert.True(t, resp.Window.End.Equal(testBase.AddDate(0, 0, 7)))
}

func TestAgendaExplicitWindow(t *testing.T) {
	agenda := &fakeAgenda{}
	s := newTestServer(t, nil, agenda, nil, nil)

	rec := doReq(s.Handler(), "/api/agenda?from=2026-03-02T00:00:00Z&to=2026-03-05T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agendaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Window.Start.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.True(t, resp.Window.End.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)))
}

func TestAgendaRejectsBadWindows(t *testing.T) {
	s := newTestServer(t, nil, &fakeAgenda{}, nil, nil)
	h := s.Handler()

	tests := []struct {
		name   string
		target string
	}{
		{name: "from without to", target: "/api/agenda?from=2026-03-02T00:00:00Z"},
		{name: "to without from", target: "/api/agenda?to=2026-03-05T00:00:00Z"},
		{name: "unparseable from", target: "/api/agenda?from=yesterday&to=2026-03-05T00:00:00Z"},
		{name: "unparseable to", target: "/api/agenda?from=2026-03-02T00:00:00Z&to=someday"},
		{name: "inverted range", target: "/api/agenda?from=2026-03-05T00:00:00Z&to=2026-03-02T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doReq(h, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAgendaToleratesJunkNumbers(t *testing.T) {
	s := newTestServer(t, nil, &fakeAgenda{}, nil, nil)

	// Unparseable days/limit fall back to config defaults.
	rec := doReq(s.Handler(), "/api/agenda?days=abc&limit=xyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp agendaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Limit)
	assert.True(t, resp.Window.End.Equal(testBase.AddDate(0, 0, 7)))
}

func TestAgendaResponseCache(t *testing.T) {
	agenda := &fakeAgenda{events: sampleEvents()}
	s := newTestServer(t, nil, agenda, nil, nil)
	h := s.Handler()

	first := doReq(h, "/api/agenda?days=7")
	require.Equal(t, http.StatusOK, first.Code)
	second := doReq(h, "/api/agenda?days=7")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, agenda.callCount(), "identical request within TTL must be served from cache")
	assert.Equal(t, first.Body.String(), second.Body.String())

	// A different signature misses the cache.
	doReq(h, "/api/agenda?days=3")
	assert.Equal(t, 2, agenda.callCount())

	// And the same signature misses again once the TTL passes.
	s.now = func() time.Time { return testBase.Add(time.Minute) }
	doReq(h, "/api/agenda?days=3")
	assert.Equal(t, 3, agenda.callCount())
}

func TestDisplayResponseCache(t *testing.T) {
	agenda := &fakeAgenda{events: sampleEvents()}
	s := newTestServer(t, nil, agenda, nil, nil)
	h := s.Handler()

	first := doReq(h, "/api/display")
	require.Equal(t, http.StatusOK, first.Code)
	second := doReq(h, "/api/display")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, agenda.callCount())
	assert.Equal(t, first.Body.String(), second.Body.String())

	// The agenda and display caches are independent.
	doReq(h, "/api/agenda")
	assert.Equal(t, 2, agenda.callCount())
}

func TestDisplayWithWeather(t *testing.T) {
	agenda := &fakeAgenda{events: sampleEvents()}
	wx := &fakeWeather{enabled: true, body: []byte(`{"main":{"temp":18.2}}`)}
	s := newTestServer(t, nil, agenda, wx, nil)

	rec := doReq(s.Handler(), "/api/display")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp displayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Now.Equal(testBase))
	assert.Equal(t, "UTC", resp.Timezone)
	require.Len(t, resp.Events, 2)
	require.Len(t, resp.Calendars, 2, "the kiosk document carries the source list")
	assert.Equal(t, "fam", resp.Calendars[0].ID)
	assert.JSONEq(t, `{"main":{"temp":18.2}}`, string(resp.Weather))
}

func TestDisplayDegradesWithoutWeather(t *testing.T) {
	tests := []struct {
		name string
		wx   Weather
	}{
		{name: "weather disabled", wx: &fakeWeather{enabled: false}},
		{name: "weather failing", wx: &fakeWeather{enabled: true, err: errors.New("upstream down")}},
		{name: "no weather service", wx: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agenda := &fakeAgenda{events: sampleEvents()}
			s := newTestServer(t, nil, agenda, tt.wx, nil)

			rec := doReq(s.Handler(), "/api/display")
			require.Equal(t, http.StatusOK, rec.Code, "weather trouble must not break the display")

			var resp displayResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Len(t, resp.Events, 2)
			assert.Nil(t, resp.Weather)
		})
	}
}

func TestCalendarsListing(t *testing.T) {
	fetched := testBase.Add(-5 * time.Minute)
	cache := &fakeCache{entries: map[string]feed.Entry{
		"fam": {Kind: feed.KindICS, FetchedAt: fetched},
	}}
	s := newTestServer(t, nil, &fakeAgenda{}, nil, cache)

	rec := doReq(s.Handler(), "/api/calendars")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp calendarsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Calendars, 2)

	assert.Equal(t, "fam", resp.Calendars[0].ID)
	assert.Equal(t, "feed", resp.Calendars[0].Kind)
	require.NotNil(t, resp.Calendars[0].LastFetched)
	assert.True(t, resp.Calendars[0].LastFetched.Equal(fetched))

	assert.Equal(t, "g", resp.Calendars[1].ID)
	assert.Equal(t, "google", resp.Calendars[1].Kind)
	assert.Nil(t, resp.Calendars[1].LastFetched, "never-fetched sources carry no timestamp")
}

func TestWeatherEndpoint(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		wx := &fakeWeather{enabled: true, body: []byte(`{"main":{"temp":18.2}}`)}
		s := newTestServer(t, nil, &fakeAgenda{}, wx, nil)

		rec := doReq(s.Handler(), "/api/weather")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"main":{"temp":18.2}}`, rec.Body.String())
	})

	t.Run("not configured serves null", func(t *testing.T) {
		s := newTestServer(t, nil, &fakeAgenda{}, &fakeWeather{enabled: false}, nil)
		rec := doReq(s.Handler(), "/api/weather")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "null", rec.Body.String())
	})

	t.Run("upstream failure", func(t *testing.T) {
		wx := &fakeWeather{enabled: true, err: errors.New("boom")}
		s := newTestServer(t, nil, &fakeAgenda{}, wx, nil)
		rec := doReq(s.Handler(), "/api/weather")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestBasicAuth(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Web.BasicAuth = &config.BasicAuthConfig{Username: "kiosk", Password: "secret"}
	}, &fakeAgenda{}, nil, nil)
	h := s.Handler()

	t.Run("missing credentials", func(t *testing.T) {
		rec := doReq(h, "/api/agenda")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong credentials", func(t *testing.T) {
		rec := doReq(h, "/api/agenda", func(r *http.Request) { r.SetBasicAuth("kiosk", "nope") })
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("good credentials", func(t *testing.T) {
		rec := doReq(h, "/api/agenda", func(r *http.Request) { r.SetBasicAuth("kiosk", "secret") })
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := doReq(h, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics stays open", func(t *testing.T) {
		rec := doReq(h, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAPIRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Web.RateLimitPerMinute = 2
	}, &fakeAgenda{}, nil, nil)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, doReq(h, "/api/agenda").Code)
	assert.Equal(t, http.StatusOK, doReq(h, "/api/agenda").Code)
	assert.Equal(t, http.StatusTooManyRequests, doReq(h, "/api/agenda").Code)

	// /health sits outside the limited group.
	assert.Equal(t, http.StatusOK, doReq(h, "/health").Code)
}

func TestSecureHeaders(t *testing.T) {
	s := newTestServer(t, nil, &fakeAgenda{}, nil, nil)
	rec := doReq(s.Handler(), "/health")

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestUnknownAPIRouteIs404(t *testing.T) {
	s := newTestServer(t, nil, &fakeAgenda{}, nil, nil)
	rec := doReq(s.Handler(), "/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
