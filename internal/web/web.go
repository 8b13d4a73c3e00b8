package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homeboard/internal/config"
	"homeboard/internal/feed"
	appLog "homeboard/internal/log"
	"homeboard/internal/model"
	"homeboard/internal/registry"
)

// maxWindowDays caps the days parameter; anything longer is a client
// bug, not a kiosk use case.
const maxWindowDays = 366

// Agenda is the slice of the aggregator the server needs.
type Agenda interface {
	Aggregate(ctx context.Context, sources []model.Source, win model.Window, limit int) []model.Event
}

// Weather is the slice of the weather service the server needs.
type Weather interface {
	Enabled() bool
	Current(ctx context.Context) ([]byte, error)
}

// Cache exposes read access to the feed cache for status endpoints.
type Cache interface {
	Cached(id string) (feed.Entry, bool)
}

// Server provides the HTTP API for agenda, display and status access.
type Server struct {
	cfg     *config.Config
	reg     registry.Registry
	agenda  Agenda
	weather Weather
	cache   Cache

	// In-memory caches for the /api/agenda and /api/display responses
	// so kiosk polling does not repeat fetch/parse/expand work every
	// few seconds.
	agendaMu    sync.RWMutex
	agendaCache *cachedResponse

	displayMu    sync.RWMutex
	displayCache *cachedResponse

	now func() time.Time
}

// responseCacheTTL is how long a marshaled agenda/display response is
// reused for identical request signatures.
const responseCacheTTL = 30 * time.Second

// cachedResponse holds one marshaled agenda response and its request
// signature.
type cachedResponse struct {
	key       string
	body      []byte
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, reg registry.Registry, agenda Agenda, weather Weather, cache Cache) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		agenda:  agenda,
		weather: weather,
		cache:   cache,
		now:     time.Now,
	}
}

// Handler builds the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(secureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Web.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(httprate.LimitByIP(s.cfg.Web.RateLimitPerMinute, time.Minute))
		api.Get("/agenda", s.handleAgenda)
		api.Get("/display", s.handleDisplay)
		api.Get("/calendars", s.handleCalendars)
		api.Get("/weather", s.handleWeather)
	})

	h := http.Handler(r)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.Web.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	if s.cfg.Web.BasicAuth.Username == "" || s.cfg.Web.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP
// Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.Web.BasicAuth.Username
	password := s.cfg.Web.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 와 /metrics 는 항상 무인증으로 노출한다 (liveness probe,
		// Prometheus scraper).
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Homeboard", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// eventDTO is the JSON-friendly view of an agenda event.
type eventDTO struct {
	Summary  string    `json:"summary"`
	Start    time.Time `json:"start"`
	AllDay   bool      `json:"all_day"`
	Calendar string    `json:"calendar"`
	Color    string    `json:"color,omitempty"`
}

// windowDTO is the JSON view of the resolved request window.
type windowDTO struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// agendaResponse is the JSON response shape for /api/agenda.
type agendaResponse struct {
	Events   []eventDTO `json:"events"`
	Window   windowDTO  `json:"window"`
	Limit    int        `json:"limit"`
	Timezone string     `json:"timezone"`
}

// handleAgenda returns the merged upcoming agenda.
//
// GET /api/agenda?days=7&limit=10
// GET /api/agenda?from=2026-03-02T00:00:00Z&to=2026-03-09T00:00:00Z
//
//   - days:  앞으로 몇 일을 볼 것인지 (기본 config.HorizonDays)
//   - limit: 최대 이벤트 수 (기본 config.Limit)
//   - from/to: explicit RFC3339 window, both or neither
func (s *Server) handleAgenda(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := s.limit(r)

	q := r.URL.Query()
	key := fmt.Sprintf("days=%s&from=%s&to=%s&limit=%s",
		q.Get("days"), q.Get("from"), q.Get("to"), q.Get("limit"))

	s.agendaMu.RLock()
	ac := s.agendaCache
	s.agendaMu.RUnlock()
	if ac != nil && ac.key == key && s.now().Sub(ac.updatedAt) < responseCacheTTL {
		writeRawJSON(w, http.StatusOK, ac.body)
		return
	}

	resp, err := s.buildAgenda(r.Context(), win, limit)
	if err != nil {
		appLog.Error("agenda request failed", err)
		writeError(w, http.StatusInternalServerError, "source registry unavailable")
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		appLog.Error("failed to marshal agenda response", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.agendaMu.Lock()
	s.agendaCache = &cachedResponse{key: key, body: body, updatedAt: s.now()}
	s.agendaMu.Unlock()

	writeRawJSON(w, http.StatusOK, body)
}

func (s *Server) buildAgenda(ctx context.Context, win model.Window, limit int) (agendaResponse, error) {
	sources, err := s.reg.List(ctx)
	if err != nil {
		return agendaResponse{}, err
	}

	return agendaResponse{
		Events:   eventDTOs(s.agenda.Aggregate(ctx, sources, win, limit)),
		Window:   windowDTO{Start: win.Start, End: win.End},
		Limit:    limit,
		Timezone: s.cfg.Timezone,
	}, nil
}

func eventDTOs(events []model.Event) []eventDTO {
	dtos := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		dtos = append(dtos, eventDTO{
			Summary:  ev.Summary,
			Start:    ev.Start,
			AllDay:   ev.AllDay,
			Calendar: ev.Calendar,
			Color:    ev.Color,
		})
	}
	return dtos
}

// displayResponse is the JSON response shape for /api/display: one
// document with everything the kiosk needs per render pass.
type displayResponse struct {
	Now       time.Time       `json:"now"`
	Timezone  string          `json:"timezone"`
	Events    []eventDTO      `json:"events"`
	Calendars []calendarDTO   `json:"calendars"`
	Weather   json.RawMessage `json:"weather,omitempty"`
}

// handleDisplay composes agenda, source list and weather so the kiosk
// fires one request per render pass. Weather trouble degrades to a
// weatherless document.
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	win, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := s.limit(r)

	q := r.URL.Query()
	key := fmt.Sprintf("days=%s&from=%s&to=%s&limit=%s",
		q.Get("days"), q.Get("from"), q.Get("to"), q.Get("limit"))

	s.displayMu.RLock()
	dc := s.displayCache
	s.displayMu.RUnlock()
	if dc != nil && dc.key == key && s.now().Sub(dc.updatedAt) < responseCacheTTL {
		writeRawJSON(w, http.StatusOK, dc.body)
		return
	}

	sources, err := s.reg.List(r.Context())
	if err != nil {
		appLog.Error("display request failed", err)
		writeError(w, http.StatusInternalServerError, "source registry unavailable")
		return
	}

	out := displayResponse{
		Now:       s.now().In(s.cfg.Location()),
		Timezone:  s.cfg.Timezone,
		Events:    eventDTOs(s.agenda.Aggregate(r.Context(), sources, win, limit)),
		Calendars: s.calendarDTOs(sources),
	}
	if s.weather != nil && s.weather.Enabled() {
		body, err := s.weather.Current(r.Context())
		if err != nil {
			appLog.Warn("weather unavailable for display", "error", err.Error())
		} else if body != nil {
			out.Weather = json.RawMessage(body)
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		appLog.Error("failed to marshal display response", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.displayMu.Lock()
	s.displayCache = &cachedResponse{key: key, body: body, updatedAt: s.now()}
	s.displayMu.Unlock()

	writeRawJSON(w, http.StatusOK, body)
}

// calendarDTO is the JSON view of one registered source.
type calendarDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Color       string     `json:"color,omitempty"`
	Kind        string     `json:"kind"`
	LastFetched *time.Time `json:"last_fetched,omitempty"`
}

type calendarsResponse struct {
	Calendars []calendarDTO `json:"calendars"`
}

// handleCalendars lists the registered sources with their cache state.
func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	sources, err := s.reg.List(r.Context())
	if err != nil {
		appLog.Error("calendar listing failed", err)
		writeError(w, http.StatusInternalServerError, "source registry unavailable")
		return
	}

	writeJSON(w, http.StatusOK, calendarsResponse{Calendars: s.calendarDTOs(sources)})
}

func (s *Server) calendarDTOs(sources []model.Source) []calendarDTO {
	dtos := make([]calendarDTO, 0, len(sources))
	for _, src := range sources {
		d := calendarDTO{ID: src.ID, Name: src.Name, Color: src.Color, Kind: "feed"}
		if src.IsCloud() {
			d.Kind = "google"
		}
		if s.cache != nil {
			if e, ok := s.cache.Cached(src.ID); ok {
				t := e.FetchedAt
				d.LastFetched = &t
			}
		}
		dtos = append(dtos, d)
	}
	return dtos
}

// handleWeather passes the cached upstream report through verbatim.
// Deployments without weather get null, not an error: the dashboard
// probes this endpoint to decide whether to render the widget.
func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.weather == nil || !s.weather.Enabled() {
		writeRawJSON(w, http.StatusOK, []byte("null"))
		return
	}
	body, err := s.weather.Current(r.Context())
	if err != nil {
		appLog.Error("weather request failed", err)
		writeError(w, http.StatusBadGateway, "weather upstream unavailable")
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

// window resolves the request window: an explicit from/to pair when
// given (both or neither), otherwise a day count forward from now in
// the configured zone.
func (s *Server) window(r *http.Request) (model.Window, error) {
	q := r.URL.Query()
	fromRaw, toRaw := q.Get("from"), q.Get("to")
	if (fromRaw == "") != (toRaw == "") {
		return model.Window{}, errors.New("from and to must be given together")
	}
	if fromRaw != "" {
		from, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return model.Window{}, fmt.Errorf("invalid from: %v", err)
		}
		to, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return model.Window{}, fmt.Errorf("invalid to: %v", err)
		}
		return model.NewWindow(from, to)
	}

	days := parseIntDefault(q.Get("days"), s.cfg.HorizonDays)
	if days <= 0 {
		days = s.cfg.HorizonDays
	}
	if days > maxWindowDays {
		days = maxWindowDays
	}
	now := s.now().In(s.cfg.Location())
	return model.NewWindow(now, now.AddDate(0, 0, days))
}

func (s *Server) limit(r *http.Request) int {
	limit := parseIntDefault(r.URL.Query().Get("limit"), s.cfg.Limit)
	if limit <= 0 {
		limit = s.cfg.Limit
	}
	return limit
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
