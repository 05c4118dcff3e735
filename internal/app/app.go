// Package app wires configuration into the service graph shared by the
// server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"ytdash/auth"
	"ytdash/config"
	ythttp "ytdash/http"
	"ytdash/internal/cache"
	"ytdash/internal/metrics"
	"ytdash/storage"
	"ytdash/storage/postgres"
	"ytdash/storage/sqlite"
	"ytdash/youtube"
)

// App holds the long-lived components.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    storage.Store
	Cache    *cache.Cache
	// APIClient carries Data API and RSS traffic.
	APIClient *ythttp.Client
	// Relay fetches thumbnails for /download.
	Relay   *ythttp.Client
	Gateway *youtube.Gateway
	Sync    *youtube.SyncManager
	Auth    *auth.Service
}

// New opens the store and cache and builds the gateway, sync manager and
// auth service.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Metrics:  m,
		Store:    store,
	}

	a.Cache = cache.New(ctx, cache.Config{
		URL:     cfg.RedisURL,
		TTL:     cfg.CacheTTL,
		Logger:  log,
		Metrics: m,
	})

	a.APIClient = ythttp.New(httpConfig(cfg, nil))
	a.Relay = ythttp.New(httpConfig(cfg, cfg.RelayAllowedHosts))

	a.Gateway, err = youtube.NewGateway(ctx, youtube.GatewayConfig{
		APIKey:       cfg.APIKey,
		HTTPClient:   a.APIClient.StandardClient(),
		DailyQuota:   cfg.DailyQuota,
		QuotaReserve: cfg.QuotaReserve,
		Retry:        cfg.RetryConfig(),
		Fallback:     youtube.NewRSSLister(a.APIClient),
		Logger:       log,
		Metrics:      m,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Sync = youtube.NewSyncManager(a.Gateway, store, youtube.SyncConfig{
		StaleAfter: cfg.StaleAfter,
		Logger:     log,
		Metrics:    m,
	})
	a.Auth = auth.NewService(store, auth.Config{
		SessionTTL:  cfg.SessionTTL,
		AdminEmails: cfg.AdminEmails,
		Logger:      log,
	})
	return a, nil
}

// OpenStore opens the configured database driver.
func OpenStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite, "":
		s, err := sqlite.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func httpConfig(cfg *config.Config, allowedHosts []string) *ythttp.Config {
	c := ythttp.DefaultConfig()
	c.Timeout = cfg.HTTPTimeout
	c.Retry = cfg.RetryConfig()
	c.AllowedHosts = allowedHosts
	return c
}

// Close releases the store, cache and outbound connections.
func (a *App) Close() error {
	var errs []error
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.APIClient != nil {
		errs = append(errs, a.APIClient.Close())
	}
	if a.Relay != nil {
		errs = append(errs, a.Relay.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
