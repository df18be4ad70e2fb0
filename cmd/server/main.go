// Package main is the entry point for the tape market-data session
// engine. It loads process and session configuration, wires the
// engine, serves the HTTP API and runs until a shutdown signal.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/server"
	"github.com/aristath/tape/internal/system"
	"github.com/aristath/tape/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Options{Level: "info", Console: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Console: cfg.DevMode,
	})
	logger.SetGlobal(log)

	if cfg.SessionConfigPath == "" {
		log.Fatal().Msg("TAPE_SESSION_CONFIG is required")
	}
	sessionCfg, err := config.LoadSession(cfg.SessionConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SessionConfigPath).Msg("Failed to load session configuration")
	}
	log = logger.ForSession(log, sessionCfg.SessionName, string(sessionCfg.SessionMode()))

	ctx := context.Background()
	mgr, err := system.Wire(ctx, cfg, sessionCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire engine")
	}
	defer mgr.Close()

	if err := mgr.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	srv := server.New(server.Config{
		Log:     log,
		Manager: mgr,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info().
		Str("session", sessionCfg.SessionName).
		Str("mode", string(sessionCfg.SessionMode())).
		Int("port", cfg.Port).
		Msg("Tape engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown reported an error")
	}
	mgr.Stop()
	log.Info().Msg("Tape engine stopped")
}
