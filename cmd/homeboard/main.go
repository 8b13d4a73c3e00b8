package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embed the zone database; kiosk images often ship without tzdata.
	_ "time/tzdata"

	"homeboard/internal/agenda"
	"homeboard/internal/config"
	"homeboard/internal/feed"
	"homeboard/internal/gcal"
	appLog "homeboard/internal/log"
	"homeboard/internal/refresh"
	"homeboard/internal/registry"
	"homeboard/internal/weather"
	"homeboard/internal/web"
)

const version = "0.1.0-dev"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if err := appLog.Init(conf.Log.Level, conf.Log.Format); err != nil {
		appLog.Error("failed to initialize logging", err)
		os.Exit(1)
	}
	defer appLog.Sync()

	appLog.Info("homeboard starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"limit", conf.Limit,
		"registry", conf.Registry.Driver,
		"source_count", len(conf.Sources),
		"weather_enabled", conf.Weather.APIKey != "",
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	reg, cleanup, err := buildRegistry(conf)
	if err != nil {
		appLog.Error("failed to open source registry", err, "driver", conf.Registry.Driver)
		os.Exit(1)
	}
	defer cleanup()

	creds := gcal.Credentials{
		ClientID:     conf.Google.ClientID,
		ClientSecret: conf.Google.ClientSecret,
		RefreshToken: conf.Google.RefreshToken,
		AccessToken:  conf.Google.AccessToken,
	}

	fetcher := feed.NewFetcher(feed.Options{
		Staleness:        conf.Feed.Staleness(),
		Timeout:          conf.Feed.Timeout(),
		CacheSize:        conf.Feed.CacheSize,
		TokenSource:      creds.TokenSource(ctx),
		GoogleAPIBase:    conf.Feed.GoogleAPIBase,
		GoogleMaxResults: conf.Feed.GoogleMaxResults,
		RatePerSec:       conf.Feed.RatePerSecond,
		Burst:            conf.Feed.Burst,
	})

	agg := agenda.New(fetcher, agenda.Options{
		DefaultLocation: conf.Location(),
		DefaultLimit:    conf.Limit,
	})

	wx := weather.New(weather.Options{
		APIKey:    conf.Weather.APIKey,
		Zip:       conf.Weather.Zip,
		Country:   conf.Weather.Country,
		Units:     conf.Weather.Units,
		Staleness: conf.Weather.Staleness(),
	})

	refresher := refresh.New(reg, fetcher, wx, conf.RefreshCron, conf.Feed.Timeout())

	if flags.once {
		refresher.RunOnce(ctx)
		appLog.Info("single refresh cycle done, exiting")
		return
	}

	if err := refresher.Start(); err != nil {
		appLog.Error("failed to start refresh scheduler", err, "spec", conf.RefreshCron)
		os.Exit(1)
	}

	server := web.NewServer(conf, reg, agg, wx, fetcher)
	httpSrv := &http.Server{
		Addr:              conf.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			<-refresher.Stop().Done()
			os.Exit(1)
		}
	}

	// Graceful shutdown: stop scheduling new refresh cycles, then
	// drain in-flight HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	<-refresher.Stop().Done()

	appLog.Info("homeboard exiting")
}

// buildRegistry selects the source registry backend from config.
func buildRegistry(conf *config.Config) (registry.Registry, func(), error) {
	switch conf.Registry.Driver {
	case "sqlite":
		s, err := registry.OpenSQLite(conf.Registry.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := registry.FromConfig(conf.Sources)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/homeboard/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle and exit")

	flag.Parse()

	return cfg
}
