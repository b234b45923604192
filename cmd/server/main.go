// Package main is the entrypoint for the curio server: the operator API, the
// job workers, the scheduler and the catalog change consumer in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiranshivaraju/curio/internal/ai"
	"github.com/kiranshivaraju/curio/internal/api"
	"github.com/kiranshivaraju/curio/internal/api/handler"
	mw "github.com/kiranshivaraju/curio/internal/api/middleware"
	"github.com/kiranshivaraju/curio/internal/archive"
	"github.com/kiranshivaraju/curio/internal/cache"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/internal/curator"
	"github.com/kiranshivaraju/curio/internal/imagesearch"
	"github.com/kiranshivaraju/curio/internal/ingest"
	"github.com/kiranshivaraju/curio/internal/jobs"
	"github.com/kiranshivaraju/curio/internal/notify"
	"github.com/kiranshivaraju/curio/internal/scheduler"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/internal/vectors"
)

const (
	shutdownTimeout      = 30 * time.Second
	eventPublishTimeout  = 5 * time.Second
	generateRequestLimit = 10
)

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and run migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	// 4. Create AI provider and service
	aiProvider, err := ai.NewProvider(ctx, cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	aiService := ai.NewService(aiProvider, cfg.AI.InferenceTimeout,
		ai.WithRateLimit(redisCache, cfg.AI.RateLimitPerMinute),
		ai.WithEmbedConcurrency(cfg.AI.EmbedConcurrency),
		ai.WithLogger(logger),
	)
	logger.Info("AI provider initialized", "provider", aiService.Name())

	// 5. Vector store, archive, image search
	vecStore, closeVectors, err := newVectorStore(cfg.Qdrant, pool, logger)
	if err != nil {
		return err
	}
	defer closeVectors()

	curatorOpts := []curator.Option{}
	if cfg.Archive.Endpoint != "" {
		arch, err := archive.NewMinioArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("create archive: %w", err)
		}
		curatorOpts = append(curatorOpts, curator.WithArchive(arch))
		logger.Info("generation archive enabled", "bucket", cfg.Archive.Bucket)
	}
	if cfg.ImageSearch.BaseURL != "" {
		client := imagesearch.NewHTTPClient(cfg.ImageSearch.BaseURL, cfg.ImageSearch.APIKey, cfg.ImageSearch.Timeout)
		curatorOpts = append(curatorOpts, curator.WithImageSearch(
			imagesearch.NewCachedSearcher(client, redisCache, cfg.ImageSearch.CacheTTL, logger)))
	}

	// 6. Event bus
	health := map[string]handler.Pinger{"database": pgStore, "cache": redisCache}
	var publisher notify.Publisher = &notify.MemoryPublisher{}
	var natsPub *notify.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = notify.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsPub.Close()
		publisher = natsPub
		health["nats"] = natsPub
	} else {
		logger.Warn("nats not configured; events and notifications stay in memory")
	}
	events := notify.NewBackground(publisher, eventPublishTimeout)
	events.Watch(logger)
	defer events.Close()
	curatorOpts = append(curatorOpts, curator.WithEvents(events))

	// 7. Curator and job system
	cur := curator.New(pgStore, vecStore, aiService, logger, curatorOpts...)
	system, err := jobs.NewSystem(jobs.Deps{
		Store:     pgStore,
		Vectors:   vecStore,
		AI:        aiService,
		Curator:   cur,
		Publisher: publisher,
		Backend:   store.NewJobStore(pool),
		Mirror:    redisCache,
		Logger:    logger,
	}, cfg.Jobs)
	if err != nil {
		return fmt.Errorf("create job system: %w", err)
	}
	if err := system.Start(ctx); err != nil {
		return fmt.Errorf("start job system: %w", err)
	}
	defer system.Stop()

	// 8. Scheduler
	loc, err := cfg.Jobs.Location()
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}
	tasks, err := scheduler.StandardTasks(scheduler.StandardConfig{
		Surfaces:              cfg.Jobs.Surfaces,
		DailyAt:               cfg.Jobs.DailyAt,
		Location:              loc,
		CollectionsCount:      cfg.Jobs.CollectionsCount,
		ProductsPerCollection: cfg.Jobs.ProductsPerCollection,
		CleanupInterval:       cfg.Jobs.CleanupInterval,
		ReminderPollInterval:  cfg.Jobs.ReminderPollInterval,
		ReminderBatch:         cfg.Jobs.ReminderBatch,
	}, system, pgStore, cur, logger)
	if err != nil {
		return fmt.Errorf("build scheduler tasks: %w", err)
	}

	sched := scheduler.New(logger, scheduler.WithLocker(redisCache))
	for _, task := range tasks {
		if err := sched.Add(task); err != nil {
			return fmt.Errorf("add task %s: %w", task.Name, err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// 9. Catalog change consumer
	if natsPub != nil {
		consumer := ingest.NewConsumer(pgStore, system, ingest.PlanOptions{
			EnrichmentVersion: cfg.Jobs.EnrichmentVersion,
		}, logger)
		if err := consumer.Start(ctx, natsPub.Stream(), cfg.NATS.Durable); err != nil {
			return fmt.Errorf("start change consumer: %w", err)
		}
		defer consumer.Stop()
	}

	// 10. Build router and start HTTP server
	router := api.NewRouter(api.Dependencies{
		Logger:        logger,
		RateLimit:     mw.NewRateLimit(redisCache, generateRequestLimit),
		HealthHandler: handler.NewHealthHandler(health),
		GetJobHandler: handler.NewGetJobHandler(system, redisCache),
		GenerateHandler: handler.NewGenerateHandler(system, handler.GenerateDefaults{
			Location:              loc,
			CollectionsCount:      cfg.Jobs.CollectionsCount,
			ProductsPerCollection: cfg.Jobs.ProductsPerCollection,
		}),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Deferred stops run in reverse: consumer, scheduler, workers, events.
	logger.Info("server stopped gracefully")
	return nil
}

// newVectorStore uses Qdrant when an address is configured and the Postgres
// embeddings table otherwise.
func newVectorStore(cfg config.QdrantConfig, pool *pgxpool.Pool, logger *slog.Logger) (vectors.Store, func(), error) {
	if cfg.Addr == "" {
		return store.NewEmbeddingStore(pool), func() {}, nil
	}
	q, err := vectors.NewQdrantStore(cfg.Addr, cfg.CollectionPrefix, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect qdrant: %w", err)
	}
	logger.Info("qdrant vector store enabled", "addr", cfg.Addr)
	return q, func() { _ = q.Close() }, nil
}
