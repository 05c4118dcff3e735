// Command ytdash serves the YouTube channel dashboard API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ytdash/config"
	"ytdash/internal/app"
	"ytdash/internal/logging"
	"ytdash/server"
)

const (
	janitorInterval = 15 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	defer a.Close()

	go a.Auth.RunJanitor(ctx, janitorInterval)

	srv := server.New(serverConfig(cfg), server.Deps{
		Gateway:  a.Gateway,
		Syncer:   a.Sync,
		Fetcher:  a.Relay,
		Store:    a.Store,
		Auth:     a.Auth,
		Cache:    a.Cache,
		Metrics:  a.Metrics,
		Gatherer: a.Registry,
		Logger:   log,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(cfg.ListenAddr) }()

	select {
	case err := <-errc:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		SearchPageSize: cfg.SearchPageSize,
		SyncMax:        cfg.SyncMax,
		CORSOrigins:    cfg.CORSOrigins,
		SecureCookies:  cfg.SecureCookies,
	}
}
