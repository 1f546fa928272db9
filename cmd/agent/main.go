package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/worklens/agent/internal/activity"
	"github.com/worklens/agent/internal/botdetect"
	"github.com/worklens/agent/internal/config"
	agerrors "github.com/worklens/agent/internal/errors"
	"github.com/worklens/agent/internal/hook"
	"github.com/worklens/agent/internal/metrics"
	"github.com/worklens/agent/internal/status"
	"github.com/worklens/agent/internal/store"
	"github.com/worklens/agent/internal/syncq"
	"github.com/worklens/agent/internal/tracker"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("db_path", cfg.DBPath).
		Str("listen_addr", cfg.ListenAddr).
		Bool("sync_enabled", cfg.SyncEnabled()).
		Msg("starting activity agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Durable store; migrations run on every startup
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	m := metrics.New()

	// Input hook. If the socket cannot bind, the agent still runs and
	// records zero-activity periods.
	var source hook.Source
	if cfg.HookSocket != "" {
		source = hook.NewSocketSource(cfg.HookSocket, logger)
	} else {
		source = hook.NewDegradedSource(logger)
	}
	if err := source.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("input hook unavailable, running degraded")
		source = hook.NewDegradedSource(logger)
		_ = source.Start(ctx)
	}

	acc := activity.NewAccumulator()
	collector := activity.NewCollector(acc, botdetect.New(), m, logger)
	if err := collector.Start(ctx, source.Events()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start collector")
	}

	manager := tracker.NewManager(tracker.Config{
		UserID:      cfg.UserID,
		DeviceID:    cfg.DeviceID,
		BoostFactor: cfg.BoostFactor(),
	}, st, acc, collector, m, logger)

	// Re-attach to a session left active by a previous process run
	if _, err := manager.RestoreSession(ctx); err != nil {
		if errors.Is(err, agerrors.ErrNoActiveSession) {
			logger.Info().Msg("no session to restore")
		} else {
			logger.Error().Err(err).Msg("failed to restore session")
		}
	}

	// Sync queue is optional; without an endpoint the agent runs fully offline.
	var queue *syncq.Queue
	if cfg.SyncEnabled() {
		client := syncq.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.DeviceID, cfg.APITimeout, logger)
		qcfg := syncq.DefaultConfig()
		qcfg.DrainInterval = cfg.SyncInterval
		qcfg.BatchLimit = cfg.SyncBatchSize
		qcfg.RequestTimeout = cfg.APITimeout
		queue = syncq.New(qcfg, st, client, m, logger)
		if err := queue.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start sync queue")
		}
	} else {
		logger.Info().Msg("no sync endpoint configured, queueing locally only")
	}

	// Ops API
	srv := status.NewServer(manager, st, queue, source, m, logger)
	go func() {
		if err := srv.Listen(cfg.ListenAddr); err != nil {
			logger.Error().Err(err).Msg("ops api server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// End the session first so the final period flush lands in the store
	if err := manager.StopSession(); err != nil && !errors.Is(err, agerrors.ErrNoActiveSession) {
		logger.Error().Err(err).Msg("failed to stop session")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops api shutdown error")
	}

	logger.Info().Msg("agent stopped")
}
