package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"merchant-sync/internal/accounts"
	api "merchant-sync/internal/api"
	"merchant-sync/internal/audit"
	"merchant-sync/internal/clock"
	"merchant-sync/internal/config"
	"merchant-sync/internal/lease"
	"merchant-sync/internal/logging"
	"merchant-sync/internal/ratelimit"
	"merchant-sync/internal/retry"
	"merchant-sync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger, closer, err := logging.New(cfg.Logging, "api", cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour,
		ratelimit.WithPrefix("ratelimit:actor:"))

	clk := clock.System{}
	tx := audit.NewTransactor(st, cfg.AuditRetryAttempts, retry.Policy{BaseDelay: cfg.AuditRetryBackoff, MaxDelay: 20 * cfg.AuditRetryBackoff}, logger)
	policy := retry.Policy{
		BaseDelay:       cfg.BackoffInitial,
		MaxDelay:        cfg.BackoffMax,
		MaxAttempts:     cfg.MaxAttempts,
		TerminalReasons: cfg.TerminalReasons,
	}
	leases := lease.NewManager(st, tx, policy, clk, logger)
	accts := accounts.NewService(st, tx, clk, logger)

	server := api.New(leases, accts, limiter, api.HeaderIdentity{}, st, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("addr", httpServer.Addr).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}
