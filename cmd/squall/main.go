// Squall — parallel AI model dispatch via HTTP, CLI, and async-poll
// backends, exposed as a newline-delimited JSON tool protocol over
// stdin/stdout (spec §6).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/squall-dispatch/squall/internal/config"
	"github.com/squall-dispatch/squall/internal/dispatch"
	"github.com/squall-dispatch/squall/internal/memory"
	"github.com/squall-dispatch/squall/internal/ops"
	"github.com/squall-dispatch/squall/internal/persistence"
	"github.com/squall-dispatch/squall/internal/registry"
	"github.com/squall-dispatch/squall/internal/retention"
	"github.com/squall-dispatch/squall/internal/review"
	"github.com/squall-dispatch/squall/internal/telemetry"
	"github.com/squall-dispatch/squall/internal/toolserver"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	log.Info().Str("version", cfg.Version).Msg("squall starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown error")
		}
	}()

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("could not determine working directory")
	}

	overlay, err := config.LoadLayeredOverlay(cwd)
	if err != nil {
		log.Warn().Err(err).Msg("config overlay failed to load, continuing with built-in catalog only")
	}

	reg := registry.New(
		registry.WithLookupEnv(os.LookupEnv),
		registry.WithLookPath(exec.LookPath),
		registry.WithOverlay(overlay),
	)

	var archive persistence.Archiver
	if cfg.ArchiveDSN != "" {
		pgArchive, err := persistence.NewPgArchive(ctx, cfg.ArchiveDSN)
		if err != nil {
			log.Warn().Err(err).Msg("postgres archive unavailable, continuing file-only")
		} else {
			archive = pgArchive
			defer pgArchive.Close()
		}
	}

	store := persistence.NewStore(cfg.DataDir, archive)
	mem := memory.NewStore(cfg.DataDir).WithIDToKey(reg.NativeIDToKey())

	dispatcher := dispatch.NewDispatcher(reg, true)
	executor := review.NewExecutor(reg, dispatcher, store.PersistReview)

	var ready atomic.Bool
	ready.Store(true)

	opsServer := ops.NewServer(reg, cfg.Version, ready.Load)

	sweeps := retention.DefaultSweeps(cfg.DataDir)
	janitor := retention.NewJanitor(sweeps, time.Hour)
	go janitor.Start(ctx)

	go func() {
		log.Info().Str("addr", cfg.OpsAddr).Msg("ops diagnostics surface listening")
		httpServer := &http.Server{
			Addr:         cfg.OpsAddr,
			Handler:      opsServer.Handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("ops server stopped")
		}
	}()

	deps := &toolserver.Deps{
		Registry:   reg,
		Dispatcher: dispatcher,
		Memory:     mem,
		Executor:   executor,
		Metrics:    opsServer.Metrics,
		Activity:   opsServer.Activity,
	}
	server := toolserver.New(deps)

	log.Info().Msg("squall ready — reading tool requests from stdin")
	if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("tool protocol loop exited with an error")
	}
	log.Info().Msg("squall shutting down")
}
