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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hszk-dev/tubecache/internal/api/handler"
	"github.com/hszk-dev/tubecache/internal/api/middleware"
	"github.com/hszk-dev/tubecache/internal/config"
	"github.com/hszk-dev/tubecache/internal/domain/model"
	"github.com/hszk-dev/tubecache/internal/domain/repository"
	"github.com/hszk-dev/tubecache/internal/infrastructure/cache"
	"github.com/hszk-dev/tubecache/internal/infrastructure/metrics"
	"github.com/hszk-dev/tubecache/internal/infrastructure/postgres"
	"github.com/hszk-dev/tubecache/internal/infrastructure/queue"
	"github.com/hszk-dev/tubecache/internal/infrastructure/source"
	"github.com/hszk-dev/tubecache/internal/infrastructure/storage"
	"github.com/hszk-dev/tubecache/internal/usecase"
)

// taskQueue is an upload queue that can report its backlog.
type taskQueue interface {
	repository.UploadQueue
	Depth(ctx context.Context) (int, error)
}

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

	// Initialize infrastructure clients
	pgCfg := postgres.DefaultClientConfig(cfg.Database.DSN())
	pgCfg.MaxConns = cfg.Database.MaxConns
	pgClient, err := postgres.NewClient(ctx, pgCfg)
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
	logger.Info("connected to MinIO", slog.String("bucket", storageClient.Bucket()))

	healthChecks := []handler.HealthCheck{
		{Name: "postgres", Check: pgClient.Ping},
		{Name: "minio", Check: storageClient.Ping},
	}

	var (
		entryCache cache.EntryCache
		negative   cache.NegativeCache
		sessions   cache.SessionTracker
	)
	if cfg.Redis.Disabled {
		memNegative := cache.NewMemoryNegativeCache(cfg.Cache.NegativeTTL)
		defer memNegative.Stop()
		negative = memNegative
		logger.Warn("Redis disabled; entry cache and session tracking are off")
	} else {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis")

		entryCache = cache.NewRedisEntryCache(redisClient)
		negative = cache.NewRedisNegativeCache(redisClient)
		sessions = cache.NewRedisSessionTracker(redisClient)
		healthChecks = append(healthChecks, handler.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
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

	inProcess := cfg.Pipeline.QueueBackend == config.QueueMemory
	var tasks taskQueue
	if inProcess {
		tasks = queue.NewMemoryQueue(cfg.Pipeline.QueueCapacity)
	} else {
		queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		tasks = queueClient
		logger.Info("connected to RabbitMQ")
	}
	defer tasks.Close()

	// Initialize repositories and services
	entries := postgres.NewEntryRepository(pgClient.Pool())
	policy := model.QualityPolicy{MaxStepDown: cfg.Cache.QualityMaxStepDown}

	strategy := cfg.Pipeline.GateStrategy
	if !inProcess && strategy == usecase.GateLocal {
		// Claims would never be released: uploads finish in another process.
		logger.Warn("local gate requires the in-process pipeline, using store gate")
		strategy = usecase.GateStore
	}
	gate, err := usecase.NewDedupGate(strategy, entries, usecase.GateConfig{
		FailureCooldown: cfg.Pipeline.FailureCooldown,
		StaleAfter:      cfg.Pipeline.StaleAfter,
	})
	if err != nil {
		return err
	}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Store:      entries,
		HotStore:   storageClient,
		Source:     upstream,
		Queue:      tasks,
		EntryCache: entryCache,
		Gate:       gate,
	}, pipelineConfig(cfg, policy))

	resolver := usecase.NewResolver(usecase.ResolverDeps{
		Store:         entries,
		HotStore:      storageClient,
		Source:        upstream,
		EntryCache:    entryCache,
		NegativeCache: negative,
		Gate:          gate,
		Enqueuer:      pipeline,
	}, usecase.ResolverConfig{
		ProbeTimeout:    cfg.Cache.ProbeTimeout,
		UpstreamTimeout: cfg.Source.UpstreamTimeout,
		AdmitTimeout:    cfg.Pipeline.AdmitTimeout,
		EntryCacheTTL:   cfg.Cache.EntryTTL,
		NegativeTTL:     cfg.Cache.NegativeTTL,
		Policy:          policy,
	})

	streaming := usecase.NewStreamingService(storageClient, upstream, entries, usecase.StreamingConfig{
		PresignExpiry: cfg.Server.PresignExpiry,
	})

	quota := usecase.NewQuotaTracker(postgres.NewQuotaRepository(pgClient.Pool()), usecase.QuotaConfig{
		Window:        cfg.Quota.Window,
		Requests:      cfg.Quota.Requests,
		Overrides:     cfg.Quota.Overrides,
		MaxConcurrent: cfg.Quota.MaxConcurrent,
	})

	r := setupRouter(logger, routes{
		content: handler.NewContentHandler(resolver, streaming, handler.ContentConfig{
			StreamRedirect: cfg.Server.StreamRedirect,
		}),
		status:     handler.NewStatusHandler(entries, sessions, tasks, cfg.Session.TTL),
		health:     handler.NewHealthHandler(2*time.Second, healthChecks...),
		quota:      quota,
		requireKey: cfg.Quota.RequireKey,
		sessions:   sessions,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port), slog.Bool("in_process_pipeline", inProcess))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if inProcess {
		g.Go(func() error {
			return pipeline.Run(gctx)
		})
	}

	for _, s := range samplers(cfg, tasks, sessions) {
		g.Go(func() error {
			s.Run(gctx)
			return nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-quit:
			logger.Info("shutting down server", slog.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Drain detached work: admissions, bookkeeping, and in-flight uploads.
	drained := make(chan struct{})
	go func() {
		resolver.Wait()
		streaming.Wait()
		pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("background work drained")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, some uploads may not have completed")
	}

	logger.Info("server stopped")
	return runErr
}

func pipelineConfig(cfg *config.Config, policy model.QualityPolicy) usecase.PipelineConfig {
	return usecase.PipelineConfig{
		Workers:         cfg.Pipeline.Workers,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		BaseDelay:       cfg.Pipeline.BaseDelay,
		MaxDelay:        cfg.Pipeline.MaxDelay,
		MaxObjectBytes:  cfg.Pipeline.MaxObjectBytes,
		TempDir:         cfg.Worker.TempDir,
		VerifyMode:      cfg.Pipeline.VerifyMode,
		UpstreamTimeout: cfg.Source.UpstreamTimeout,
		UploadTimeout:   cfg.Pipeline.UploadTimeout,
		Policy:          policy,
	}
}

func samplers(cfg *config.Config, tasks taskQueue, sessions cache.SessionTracker) []metrics.GaugeSampler {
	out := []metrics.GaugeSampler{{
		Name:     "queue_depth",
		Gauge:    metrics.QueueDepth,
		Interval: cfg.Session.SampleInterval,
		Sample: func(ctx context.Context) (float64, error) {
			n, err := tasks.Depth(ctx)
			return float64(n), err
		},
	}}
	if sessions != nil {
		out = append(out, metrics.GaugeSampler{
			Name:     "active_sessions",
			Gauge:    metrics.ActiveSessions,
			Interval: cfg.Session.SampleInterval,
			Sample: func(ctx context.Context) (float64, error) {
				n, err := sessions.Active(ctx, time.Now(), cfg.Session.TTL)
				return float64(n), err
			},
		})
	}
	return out
}

type routes struct {
	content    *handler.ContentHandler
	status     *handler.StatusHandler
	health     *handler.HealthHandler
	quota      usecase.QuotaTracker
	requireKey bool
	sessions   cache.SessionTracker
}

func setupRouter(logger *slog.Logger, rt routes) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", rt.health.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Quota(rt.quota, rt.requireKey))

		r.Get("/content", rt.content.Content)
		r.Get("/info", rt.content.Info)
		r.Get("/status", rt.status.Status)

		r.Group(func(r chi.Router) {
			if rt.sessions != nil {
				r.Use(middleware.Session(rt.sessions))
			}
			r.Get("/stream", rt.content.Stream)
			r.Head("/stream", rt.content.Stream)
		})
	})

	return r
}
