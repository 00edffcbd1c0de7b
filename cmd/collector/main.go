package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/beacon/internal/adapter/api"
	"github.com/V4T54L/beacon/internal/adapter/api/handler"
	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/pii"
	"github.com/V4T54L/beacon/internal/adapter/ratelimit"
	"github.com/V4T54L/beacon/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/beacon/internal/adapter/repository/redis"
	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/pkg/config"
	"github.com/V4T54L/beacon/internal/pkg/logger"
	"github.com/V4T54L/beacon/internal/pkg/retry"
	"github.com/V4T54L/beacon/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

const bytesPerMB = 1 << 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database and Redis Connections ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Warn("postgres is not reachable yet, health checks will report it", "error", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis", "error", err)
		}
	}

	// --- Initialize Repositories ---
	var sink domain.EventSink
	switch cfg.SinkBackend {
	case "redis":
		sink = redisrepo.NewEventSink(redisClient, logger, cfg.RedisStream)
	default:
		sink = postgres.NewEventSink(db, logger, cfg.SinkMaxWritesPerSec)
	}

	var deadLetters domain.DeadLetterRepository
	if redisClient != nil {
		deadLetters = redisrepo.NewDeadLetterRepository(redisClient, logger, cfg.DeadLetterStream, cfg.DeadLetterMaxLen)
	}

	retentionStore := postgres.NewRetentionStore(db)
	adminKeys := postgres.NewAdminKeyRepository(db, logger, cfg.AdminKeyCacheTTL, m)

	// --- Initialize Components ---
	executor := retry.New(retry.Options{
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		RetryableCodes:    cfg.RetryableCodes,
	}, retry.WithLogger(logger), retry.WithAttemptObserver(m.ObserveAttempt))

	queueOpts := []usecase.BatchQueueOption{usecase.WithQueueMetrics(m)}
	if deadLetters != nil {
		queueOpts = append(queueOpts, usecase.WithDeadLetters(deadLetters))
	}
	queue := usecase.NewBatchQueue(usecase.BatchQueueConfig{
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		EnableBatching: cfg.EnableBatching,
	}, sink, executor, logger, queueOpts...)

	limiter := ratelimit.NewLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests, logger,
		ratelimit.WithSweepInterval(cfg.RateLimitSweepInterval),
		ratelimit.WithMetrics(m),
	)

	monitor := usecase.NewHealthMonitor(usecase.HealthMonitorConfig{
		Interval:            cfg.HealthInterval,
		QueueWarn:           cfg.QueueWarnThreshold,
		QueueCritical:       cfg.QueueCriticalThreshold,
		MemoryWarnBytes:     uint64(cfg.MemoryWarnMB) * bytesPerMB,
		MemoryCriticalBytes: uint64(cfg.MemoryCriticalMB) * bytesPerMB,
	}, queue, sink, logger, usecase.WithStorage(retentionStore), usecase.WithMonitorMetrics(m))

	retention, err := usecase.NewRetentionManager(usecase.RetentionConfig{
		ChunkSize:          cfg.RetentionChunkSize,
		PauseBetweenChunks: cfg.RetentionPauseBetweenChunks,
		Schedule:           cfg.RetentionSchedule,
	}, retentionStore, usecase.DefaultRetentionPolicies(cfg.RetentionEventsDays, cfg.RetentionSessionsDays, cfg.RetentionAuditDays),
		logger, usecase.WithRetentionMetrics(m))
	if err != nil {
		logger.Error("failed to initialize retention manager", "error", err)
		os.Exit(1)
	}

	// --- Initialize Use Cases ---
	redactor := pii.NewRedactor(pii.ParseFields(cfg.PIIRedactionFields), logger)
	trackUseCase := usecase.NewTrackEventUseCase(queue, redactor, logger, m)
	ops := usecase.NewOperationsUseCase(queue, limiter, monitor, retention, deadLetters)

	// --- Start Background Work ---
	queue.Start(ctx)
	limiter.Start(ctx)
	monitor.Start(ctx)
	if err := retention.Start(ctx); err != nil {
		logger.Error("failed to start retention scheduler", "error", err)
		os.Exit(1)
	}

	// --- Initialize Servers ---
	broker := handler.NewSSEBroker(ctx, ops, logger)

	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(ops, adminKeys, broker, reg, logger),
	}
	ingestServer := &http.Server{
		Addr:         cfg.IngestServerAddr,
		Handler:      api.NewRouter(cfg, logger, limiter, m, trackUseCase, ops),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go serve(adminServer, "admin & metrics server", logger, stop)
	go serve(ingestServer, "collector server", logger, stop)

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("collector server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Error("batch queue did not drain", "error", err, "remaining", queue.Len())
	}
	if err := retention.Stop(shutdownCtx); err != nil {
		logger.Error("retention scheduler stop failed", "error", err)
	}
	limiter.Close()
	monitor.Stop()

	logger.Info("shut down gracefully")
}

func serve(srv *http.Server, name string, logger *slog.Logger, stop context.CancelFunc) {
	logger.Info("starting "+name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" failed", "error", err)
		stop() // Trigger shutdown on server error
	}
}
