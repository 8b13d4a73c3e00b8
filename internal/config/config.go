package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// SourceConfig describes a single calendar source when the registry
// driver is "config". Exactly one of URL / GoogleID must be set.
type SourceConfig struct {
	// ID is an internal identifier used for cache keys and logging.
	// If empty, it is derived from Name (or the address) at load time.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown next to each event.
	Name string `yaml:"name" json:"name"`
	// Color is the display color tag for this source.
	Color string `yaml:"color" json:"color"`
	// URL is an iCalendar subscription endpoint.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// GoogleID is a Google calendar identifier
	// (e.g. "family123@group.calendar.google.com").
	GoogleID string `yaml:"google_id,omitempty" json:"google_id,omitempty"`
}

// RegistryConfig selects where the source list comes from.
type RegistryConfig struct {
	// Driver is "config" (sources from this file) or "sqlite"
	// (sources from the calendars table managed elsewhere).
	Driver string `yaml:"driver" json:"driver"`
	// Path is the sqlite database file, required for driver "sqlite".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// FeedConfig tunes the fetcher and its cache.
type FeedConfig struct {
	// StalenessMinutes is how long cached feed content is considered
	// fresh. Stale entries trigger a refresh attempt on access.
	StalenessMinutes int `yaml:"staleness_minutes" json:"staleness_minutes"`
	// TimeoutSeconds bounds a single fetch round trip.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// CacheSize is the maximum number of cached source entries.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// RatePerSecond limits outbound fetch requests across all sources.
	// Zero disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// Burst is the limiter burst size.
	Burst int `yaml:"burst" json:"burst"`
	// GoogleAPIBase is the cloud events API base URL. Overridable for
	// tests and API-compatible proxies.
	GoogleAPIBase string `yaml:"google_api_base" json:"google_api_base"`
	// GoogleMaxResults caps the event count requested per cloud fetch.
	GoogleMaxResults int `yaml:"google_max_results" json:"google_max_results"`
}

// Staleness returns the staleness window as a duration.
func (f FeedConfig) Staleness() time.Duration {
	return time.Duration(f.StalenessMinutes) * time.Minute
}

// Timeout returns the per-fetch timeout as a duration.
func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// GoogleConfig holds cloud provider credentials. Obtaining them (the
// OAuth consent flow) happens outside this application; paste the
// resulting tokens here.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	// AccessToken may be set instead of a refresh token for
	// short-lived setups; it is used as-is and never renewed.
	AccessToken string `yaml:"access_token,omitempty" json:"access_token,omitempty"`
}

// WeatherConfig enables the kiosk weather document. Disabled when
// APIKey is empty.
type WeatherConfig struct {
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Zip     string `yaml:"zip,omitempty" json:"zip,omitempty"`
	Country string `yaml:"country" json:"country"`
	// Units is "metric", "imperial" or "standard".
	Units            string `yaml:"units" json:"units"`
	StalenessMinutes int    `yaml:"staleness_minutes" json:"staleness_minutes"`
}

// Staleness returns the weather staleness window as a duration.
func (w WeatherConfig) Staleness() time.Duration {
	return time.Duration(w.StalenessMinutes) * time.Minute
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WebConfig tunes the HTTP layer.
type WebConfig struct {
	// CORSOrigins lists allowed browser origins. Defaults to ["*"].
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
	// RateLimitPerMinute caps /api requests per client IP.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level" json:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" json:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for day-window arithmetic and as
	// the fallback zone for feeds that declare none (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// HorizonDays is the default number of future days per agenda
	// request when the caller does not pass an explicit window.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// Limit is the default maximum number of events per agenda
	// response.
	Limit int `yaml:"limit" json:"limit"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// driving the background refresh of all sources.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	Registry RegistryConfig `yaml:"registry" json:"registry"`

	// Sources is the calendar list for the "config" registry driver.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	Feed    FeedConfig    `yaml:"feed" json:"feed"`
	Google  GoogleConfig  `yaml:"google" json:"google"`
	Weather WeatherConfig `yaml:"weather" json:"weather"`
	Web     WebConfig     `yaml:"web" json:"web"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		HorizonDays: 7,
		Limit:       10,
		RefreshCron: "*/15 * * * *",
		Registry: RegistryConfig{
			Driver: "config",
		},
		Sources: []SourceConfig{},
		Feed: FeedConfig{
			StalenessMinutes: 10,
			TimeoutSeconds:   15,
			CacheSize:        256,
			RatePerSecond:    4,
			Burst:            8,
			GoogleAPIBase:    "https://www.googleapis.com/calendar/v3",
			GoogleMaxResults: 50,
		},
		Weather: WeatherConfig{
			Country:          "us",
			Units:            "metric",
			StalenessMinutes: 30,
		},
		Web: WebConfig{
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly, and validates the
// fields that cannot be silently repaired.
func (c *Config) Normalize() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", c.RefreshCron, err)
	}

	switch c.Registry.Driver {
	case "config", "sqlite":
		// ok
	case "":
		c.Registry.Driver = "config"
	default:
		return fmt.Errorf("unknown registry driver %q (want config or sqlite)", c.Registry.Driver)
	}
	if c.Registry.Driver == "sqlite" && c.Registry.Path == "" {
		return errors.New("registry driver sqlite requires a path")
	}

	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.URL == "" && s.GoogleID == "" {
			return fmt.Errorf("sources[%d]: neither url nor google_id is set", i)
		}
		if s.URL != "" && s.GoogleID != "" {
			return fmt.Errorf("sources[%d]: both url and google_id are set", i)
		}
		if s.ID == "" {
			// Same derivation the display label uses: prefer the name,
			// fall back to the address.
			s.ID = s.Name
			if s.ID == "" {
				s.ID = s.URL
			}
			if s.ID == "" {
				s.ID = s.GoogleID
			}
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	if c.Feed.StalenessMinutes <= 0 {
		c.Feed.StalenessMinutes = 10
	}
	if c.Feed.TimeoutSeconds <= 0 {
		c.Feed.TimeoutSeconds = 15
	}
	if c.Feed.CacheSize <= 0 {
		c.Feed.CacheSize = 256
	}
	if c.Feed.RatePerSecond < 0 {
		c.Feed.RatePerSecond = 0
	}
	if c.Feed.Burst <= 0 {
		c.Feed.Burst = 8
	}
	if c.Feed.GoogleAPIBase == "" {
		c.Feed.GoogleAPIBase = "https://www.googleapis.com/calendar/v3"
	}
	if c.Feed.GoogleMaxResults <= 0 {
		c.Feed.GoogleMaxResults = 50
	}

	switch c.Weather.Units {
	case "metric", "imperial", "standard":
		// ok
	case "":
		c.Weather.Units = "metric"
	default:
		return fmt.Errorf("unknown weather units %q", c.Weather.Units)
	}
	if c.Weather.Country == "" {
		c.Weather.Country = "us"
	}
	if c.Weather.StalenessMinutes <= 0 {
		c.Weather.StalenessMinutes = 30
	}

	if c.Web.CORSOrigins == nil {
		c.Web.CORSOrigins = []string{"*"}
	}
	if c.Web.RateLimitPerMinute <= 0 {
		c.Web.RateLimitPerMinute = 120
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	return nil
}

// Location resolves the configured timezone, falling back to UTC when
// the zone cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	if err := cfg.Normalize(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".homeboard-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the
// package-level Save function:
//
//	cfg, _ := config.Load(path)
//	// ... mutate cfg ...
//	if err := cfg.Save(path); err != nil { ... }
func (c *Config) Save(path string) error {
	return Save(path, c)
}
