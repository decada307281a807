package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/hostrelay/internal/adapters/http"
	"github.com/dkeye/hostrelay/internal/app"
	"github.com/dkeye/hostrelay/internal/app/relay"
	"github.com/dkeye/hostrelay/internal/config"
	"github.com/dkeye/hostrelay/internal/observability"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logging until the config says otherwise.
	_ = observability.SetupLogging("info", "console")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := observability.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Warn().Err(err).Msg("bad logging config, keeping defaults")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)

	opts, err := relay.OptionsFromConfig(cfg.Relay, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay config")
	}
	registry := app.NewRegistry()
	spawner := relay.NewSpawner(registry, opts)

	r := router.SetupRouter(cfg, router.Deps{
		Sessions: registry,
		Hoster:   spawner,
		Gatherer: promReg,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("hostrelay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return errors.Join(srv.Shutdown(shutdownCtx), spawner.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
