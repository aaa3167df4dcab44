package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/tubecache/internal/config"
	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/infrastructure/cache"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
	"github.com/hszk-dev/tubecache/internal/infrastructure/postgres"
	"github.com/hszk-dev/tubecache/internal/infrastructure/queue"
	"github.com/hszk-dev/tubecache/internal/infrastructure/source"
	"github.com/hszk-dev/tubecache/internal/infrastructure/storage"
	"github.com/hszk-dev/tubecache/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if cfg.Pipeline.QueueBackend != config.QueueRabbitMQ {
		return fmt.Errorf("worker requires QUEUE_BACKEND=%s, got %q", config.QueueRabbitMQ, cfg.Pipeline.QueueBackend)
	}

	// Ensure temp directory exists
	if err := os.MkdirAll(cfg.Worker.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	// Initialize infrastructure clients
	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	if err := pgClient.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("connected to PostgreSQL")

	storageClient, err := storage.NewClient(ctx, storage.ClientConfig{
		Endpoint:       cfg.MinIO.Endpoint,
		PublicEndpoint: cfg.MinIO.PublicEndpoint,
		AccessKey:      cfg.MinIO.AccessKey,
		SecretKey:      cfg.MinIO.SecretKey,
		Bucket:         cfg.MinIO.Bucket,
		Region:         cfg.MinIO.Region,
		UseSSL:         cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO")

	queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	// Stored entries are dropped from the shared entry cache on completion.
	var entryCache cache.EntryCache
	if !cfg.Redis.Disabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		entryCache = cache.NewRedisEntryCache(redisClient)
		logger.Info("connected to Redis")
	}

	upstream, err := source.NewCachingSource(
		source.NewHTTPSource(source.ClientConfig{
			BaseURL: cfg.Source.BaseURL,
			APIKey:  cfg.Source.APIKey,
			Timeout: cfg.Source.UpstreamTimeout,
		}),
		cfg.Source.DescriptorSize,
		cfg.Source.DescriptorTTL,
	)
	if err != nil {
		return fmt.Errorf("failed to create descriptor cache: %w", err)
	}

	// Initialize repository and pipeline
	entries := postgres.NewEntryRepository(pgClient.Pool())
	gate := usecase.NewStoreGate(entries, usecase.GateConfig{
		FailureCooldown: cfg.Pipeline.FailureCooldown,
		StaleAfter:      cfg.Pipeline.StaleAfter,
	})

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Store:      entries,
		HotStore:   storageClient,
		Source:     upstream,
		Queue:      queueClient,
		EntryCache: entryCache,
		Gate:       gate,
	}, usecase.PipelineConfig{
		Workers:         cfg.Pipeline.Workers,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		BaseDelay:       cfg.Pipeline.BaseDelay,
		MaxDelay:        cfg.Pipeline.MaxDelay,
		MaxObjectBytes:  cfg.Pipeline.MaxObjectBytes,
		TempDir:         cfg.Worker.TempDir,
		VerifyMode:      cfg.Pipeline.VerifyMode,
		UpstreamTimeout: cfg.Source.UpstreamTimeout,
		UploadTimeout:   cfg.Pipeline.UploadTimeout,
		Policy:          model.QualityPolicy{MaxStepDown: cfg.Cache.QualityMaxStepDown},
	})

	depth := metrics.GaugeSampler{
		Name:     "queue_depth",
		Gauge:    metrics.QueueDepth,
		Interval: cfg.Session.SampleInterval,
		Sample: func(ctx context.Context) (float64, error) {
			n, err := queueClient.Depth(ctx)
			return float64(n), err
		},
	}
	go depth.Run(ctx)

	// Setup signal handling for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming upload tasks", slog.Int("workers", cfg.Pipeline.Workers))
		if err := pipeline.Run(ctx); err != nil {
			errCh <- fmt.Errorf("pipeline error: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}

	// Stop consuming; uploads already dispatched run to completion.
	cancel()

	done := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight uploads completed")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, some uploads may not have completed")
	}

	logger.Info("worker stopped")
	return nil
}
