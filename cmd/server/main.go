package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"judge-sandbox/internal/api"
	"judge-sandbox/internal/config"
	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/sandbox"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid environment configuration")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	// Keep serving health and metrics without a backend so operators can see why.
	var svc *sandbox.Service
	svc, err = sandbox.NewFromConfig(ctx, cfg, metrics, tracer)
	if err != nil {
		log.Error().Err(err).Msg("sandbox service unavailable, executions will be rejected")
	}

	var exec api.Executor
	if svc != nil {
		exec = svc
	}
	server := api.NewServer(cfg, exec, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if svc != nil {
			if err := svc.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("sandbox service close error")
			}
		}
		return nil
	})

	log.Info().
		Str("addr", cfg.Address()).
		Bool("backend_available", svc != nil).
		Dur("deadline", cfg.Sandbox.Timeout).
		Msg("server starting")

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}
