package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/beacon/internal/adapter/api/handler"
	"github.com/V4T54L/beacon/internal/adapter/api/middleware"
	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/usecase"
)

// NewAdminRouter creates and configures the HTTP router for operator endpoints.
// Everything under /admin/ requires an admin API key; /metrics does not.
func NewAdminRouter(
	ops *usecase.OperationsUseCase,
	keys domain.AdminKeyRepository,
	broker *handler.SSEBroker,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) http.Handler {
	adminHandler := handler.NewAdminHandler(ops, logger)

	admin := http.NewServeMux()

	// Queue
	admin.HandleFunc("GET /admin/queue", adminHandler.QueueStats)
	admin.HandleFunc("POST /admin/queue/flush", adminHandler.FlushQueue)

	// Rate limiter
	admin.HandleFunc("GET /admin/ratelimit", adminHandler.RateLimitStats)
	admin.HandleFunc("DELETE /admin/ratelimit/{identifier}", adminHandler.ResetRateLimit)

	// Health
	admin.HandleFunc("GET /admin/health", adminHandler.Health)
	admin.HandleFunc("POST /admin/health/check", adminHandler.CheckHealth)
	admin.Handle("GET /admin/health/stream", broker)

	// Retention
	admin.HandleFunc("GET /admin/retention/policies", adminHandler.ListPolicies)
	admin.HandleFunc("POST /admin/retention/policies", adminHandler.AddPolicy)
	admin.HandleFunc("PATCH /admin/retention/policies/{name}", adminHandler.UpdatePolicy)
	admin.HandleFunc("DELETE /admin/retention/policies/{name}", adminHandler.RemovePolicy)
	admin.HandleFunc("POST /admin/retention/cleanup", adminHandler.ForceCleanup)
	admin.HandleFunc("GET /admin/retention/estimate", adminHandler.EstimateCleanup)
	admin.HandleFunc("GET /admin/retention/results", adminHandler.CleanupResults)

	// Dead letters
	admin.HandleFunc("GET /admin/deadletters", adminHandler.DeadLetters)
	admin.HandleFunc("POST /admin/deadletters/trim", adminHandler.TrimDeadLetters)

	mux := http.NewServeMux()
	mux.Handle("/admin/", middleware.AdminAuth(keys, logger)(admin))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return middleware.Logging(logger)(mux)
}
