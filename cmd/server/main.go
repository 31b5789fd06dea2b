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

	"github.com/Priya8975/conversion-dispatch/internal/api"
	"github.com/Priya8975/conversion-dispatch/internal/config"
	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/engine"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/mapper"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/telemetry"
	"github.com/Priya8975/conversion-dispatch/internal/tokens"
	ws "github.com/Priya8975/conversion-dispatch/internal/websocket"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; the config decides its level.
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, cfg.AppName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	key, err := store.ParseKey(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}
	cipher, err := store.NewCipher(key)
	if err != nil {
		return err
	}

	pgStore, err := store.NewPostgres(ctx, cfg.Database.URL, cipher, logger)
	if err != nil {
		return err
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx); err != nil {
		return err
	}
	logger.Info("database migrations applied")

	checks := map[string]api.Check{"postgres": pgStore.Ping}

	// Redis backs the per-platform circuit breaker, the rate limiter and the
	// cross-process refresh lock. Without it lanes run unguarded.
	var (
		breaker  worker.Breaker
		limiter  worker.Limiter
		circuits api.CircuitReader
		locker   tokens.Locker = tokens.NoopLocker{}
	)
	if cfg.Redis.URL != "" {
		redisClient, err := store.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")

		cb := engine.NewCircuitBreaker(redisClient, logger, cfg.Dispatch.BreakerThreshold, cfg.Dispatch.BreakerCooldown)
		breaker, circuits = cb, cb
		limiter = engine.NewRateLimiter(redisClient, logger)
		locker = tokens.NewRedisLocker(redisClient)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_URL not set; circuit breaker and rate limiter disabled")
	}

	tokenStore := tokens.NewStore(pgStore, tokens.NewOAuthRefresher(cfg.OAuthClients(), cfg.Transport.Timeout), logger, tokens.Options{
		StaticTokens: cfg.StaticTokens(),
		Locker:       locker,
	})

	writers := buildWriters(cfg, tokenStore, logger)

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	deliverer := worker.NewDeliverer(writers, pgStore, breaker, hub, logger)
	pool := worker.NewPool(writers.Platforms(), cfg.Dispatch.Workers, deliverer, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(pgStore, pool, writers.Platforms(), breaker, limiter, worker.DispatcherConfig{
		PollInterval: cfg.Dispatch.PollInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		RateLimits:   cfg.RateLimits(),
	}, logger)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Start(ctx)
	}()

	maintenance := worker.NewMaintenance(pgStore, tokenStore, cfg.Accounts(), hub, worker.MaintenanceConfig{
		MaxRetries:      cfg.Dispatch.MaxRetries,
		SweepInterval:   cfg.Dispatch.SweepInterval,
		PurgeInterval:   cfg.Dispatch.PurgeInterval,
		Retention:       cfg.Retention(),
		RefreshInterval: cfg.Dispatch.RefreshInterval,
		RefreshWindow:   cfg.Dispatch.RefreshWindow,
	}, logger)
	go maintenance.Start(ctx)

	router := api.NewRouter(api.Deps{
		Version:  version,
		Logger:   logger,
		Enqueuer: engine.NewEnqueuer(pgStore, logger, writers.Platforms()...),
		Writers:  writers,
		Operator: worker.NewOperator(pgStore, logger),
		Counter:  pgStore,
		Circuits: circuits,
		Hub:      hub,
		Checks:   checks,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.Server.Port),
			zap.Any("platforms", writers.Platforms()),
			zap.Int("workers", cfg.Dispatch.Workers),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	<-dispatchDone
	pool.Stop()

	logger.Info("server stopped")
	return nil
}

func buildWriters(cfg *config.Config, tokenStore *tokens.Store, logger *zap.Logger) *platform.Registry {
	client := platform.NewClient(cfg.ClientConfig(), logger)
	m := mapper.New(cfg.AppName)

	var writers []platform.Writer
	for _, p := range cfg.Platforms() {
		switch p {
		case domain.PlatformMeta:
			writers = append(writers, platform.NewMetaWriter(cfg.MetaConfig(), client, tokenStore, m))
		case domain.PlatformSnap:
			writers = append(writers, platform.NewSnapWriter(cfg.SnapConfig(), client, tokenStore, m))
		case domain.PlatformTikTok:
			writers = append(writers, platform.NewTikTokWriter(cfg.TikTokConfig(), client, tokenStore, m))
		}
	}
	return platform.NewRegistry(writers...)
}
