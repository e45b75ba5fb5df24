package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"merchant-sync/internal/audit"
	"merchant-sync/internal/clock"
	"merchant-sync/internal/config"
	"merchant-sync/internal/lease"
	"merchant-sync/internal/logging"
	"merchant-sync/internal/models"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
	"merchant-sync/internal/telemetry"
	workerproc "merchant-sync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger, closer, err := logging.New(cfg.Logging, "worker", cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if cfg.AutoMigrate {
		if err := st.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
	}

	// Slot ids are <host>-<n>; WORKER_ID overrides the host part.
	host := cfg.WorkerID
	if host == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			host = hostname
		} else {
			host = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	tx := audit.NewTransactor(st, cfg.AuditRetryAttempts, retry.Policy{BaseDelay: cfg.AuditRetryBackoff, MaxDelay: 20 * cfg.AuditRetryBackoff}, logger)
	policy := retry.Policy{
		BaseDelay:       cfg.BackoffInitial,
		MaxDelay:        cfg.BackoffMax,
		MaxAttempts:     cfg.MaxAttempts,
		TerminalReasons: cfg.TerminalReasons,
	}
	leases := lease.NewManager(st, tx, policy, clock.System{}, logger)

	processor, err := workerproc.NewProcessor(leases, workerproc.Options{
		Host:             host,
		Concurrency:      cfg.WorkerConcurrency,
		PollInterval:     cfg.WorkerPollInterval,
		MaxLeaseDuration: cfg.MaxLeaseDuration,
		SweepInterval:    cfg.SweepInterval,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init processor")
	}

	syncHandler := workerproc.NewSyncHandler(st, cfg.IntegrationURL, cfg.IntegrationTimeout)
	processor.RegisterHandler(models.JobSyncOrders, syncHandler.Handle)
	processor.RegisterHandler(models.JobSyncFinancial, syncHandler.Handle)
	processor.RegisterHandler(models.JobSyncReviews, syncHandler.Handle)

	archiveHandler, err := workerproc.NewArchiveHandler(ctx, cfg, audit.NewExporter(st, 0), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init archive handler")
	}
	processor.RegisterHandler(models.JobArchiveAudit, archiveHandler.Handle)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("host", host).
		Int("slots", cfg.WorkerConcurrency).
		Dur("max_lease", cfg.MaxLeaseDuration).
		Dur("sweep_interval", cfg.SweepInterval).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
