package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/repository/postgres"
	"github.com/V4T54L/beacon/internal/pkg/config"
	"github.com/V4T54L/beacon/internal/pkg/logger"
	"github.com/V4T54L/beacon/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

func main() {
	estimate := flag.Bool("estimate", false, "Print how many rows each enabled policy would delete, without deleting")
	policies := flag.String("policies", "", "Comma-separated policy names to run (default: all enabled policies)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager, err := usecase.NewRetentionManager(usecase.RetentionConfig{
		ChunkSize:          cfg.RetentionChunkSize,
		PauseBetweenChunks: cfg.RetentionPauseBetweenChunks,
		Schedule:           cfg.RetentionSchedule,
	}, postgres.NewRetentionStore(db),
		usecase.DefaultRetentionPolicies(cfg.RetentionEventsDays, cfg.RetentionSessionsDays, cfg.RetentionAuditDays),
		logger, usecase.WithRetentionMetrics(metrics.New(prometheus.NewRegistry())))
	if err != nil {
		logger.Error("failed to initialize retention manager", "error", err)
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	if *estimate {
		estimates, err := manager.EstimateImpact(ctx)
		_ = out.Encode(estimates)
		if err != nil {
			logger.Error("estimate incomplete", "error", err)
			os.Exit(1)
		}
		return
	}

	results, err := manager.ForceCleanup(ctx, splitList(*policies))
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		os.Exit(1)
	}
	_ = out.Encode(results)

	for _, r := range results {
		if !r.Success {
			os.Exit(2)
		}
	}
}

func splitList(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
