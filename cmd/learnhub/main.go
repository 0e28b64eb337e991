// cmd/learnhub/main.go
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

	"github.com/FairForge/learnhub/internal/api"
	"github.com/FairForge/learnhub/internal/catalog"
	"github.com/FairForge/learnhub/internal/config"
	"github.com/FairForge/learnhub/internal/database"
	"github.com/FairForge/learnhub/internal/kvstore"
	"github.com/FairForge/learnhub/internal/logging"
	"github.com/FairForge/learnhub/internal/longpoll"
	"github.com/FairForge/learnhub/internal/metrics"
	"github.com/FairForge/learnhub/internal/vcache"
	"github.com/FairForge/learnhub/internal/version"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "learnhub: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until a signal or a server failure.
// Returning instead of exiting lets the deferred closes run.
func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(&logging.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := openStore(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()
	instrumented := kvstore.Instrument(store, m)

	registry := version.NewRegistry(instrumented, logger, m)
	waiter := longpoll.NewWaiter(registry, logger,
		longpoll.WithMetrics(m),
		longpoll.WithDefaultTimeout(cfg.Poll.Timeout),
	)

	cacheOpts := []vcache.Option{vcache.WithMetrics(m)}
	if cfg.Cache.Singleflight {
		cacheOpts = append(cacheOpts, vcache.WithSingleflight())
	}
	if cfg.Cache.CompressAbove > 0 {
		cacheOpts = append(cacheOpts, vcache.WithCompression(cfg.Cache.CompressAbove))
	}
	cache := vcache.New(registry, instrumented, logger, cacheOpts...)

	repo, closeRepo, err := openCatalog(cfg, logger)
	if err != nil {
		logger.Error("failed to open catalog", zap.String("backend", cfg.Catalog.Backend), zap.Error(err))
		return fmt.Errorf("open catalog: %w", err)
	}
	defer closeRepo()

	service := catalog.NewService(repo, registry, cache, logger, catalog.WithCacheTTL(cfg.Cache.TTL))

	server := api.NewServer(cfg, logger, api.Deps{
		Store:    instrumented,
		Registry: registry,
		Waiter:   waiter,
		Catalog:  service,
		Metrics:  m,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("learnhub started",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Backend),
			zap.String("catalog", cfg.Catalog.Backend),
			zap.Duration("poll_timeout", cfg.Poll.Timeout),
		)
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutting down server...", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	// Parked long polls are answered with their current version, so this
	// does not wait out the poll timeout.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return serveErr
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := config.GetEnvOrDefault("LEARNHUB_CONFIG", ""); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (kvstore.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store; versions are not shared between instances")
		return kvstore.NewMemoryStore(), nil
	case config.BackendRedis:
		return kvstore.NewRedisStore(ctx, cfg.Store.RedisURL, logger)
	case config.BackendPostgres:
		return kvstore.NewPostgresStore(ctx, kvstore.PostgresConfig{
			DSN:           cfg.Store.DatabaseURL,
			SweepInterval: cfg.Store.SweepInterval,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openCatalog(cfg *config.Config, logger *zap.Logger) (catalog.Repository, func(), error) {
	if cfg.Catalog.Backend != config.BackendPostgres {
		return catalog.NewMemoryRepository(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, database.Config{DSN: cfg.Store.DatabaseURL})
	if err != nil {
		return nil, nil, err
	}
	repo := catalog.NewPostgresRepository(db, logger)
	if err := repo.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create catalog tables: %w", err)
	}
	return repo, func() { _ = db.Close() }, nil
}
