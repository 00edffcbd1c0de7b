package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/quartz"

	"github.com/V4T54L/beacon/internal/adapter/api/handler"
	"github.com/V4T54L/beacon/internal/adapter/api/middleware"
	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/ratelimit"
	"github.com/V4T54L/beacon/internal/pkg/config"
	"github.com/V4T54L/beacon/internal/usecase"
)

// NewRouter creates and configures the public HTTP router for event collection.
func NewRouter(
	cfg *config.Config,
	logger *slog.Logger,
	limiter middleware.RateChecker,
	m *metrics.Metrics,
	trackUseCase handler.EventTracker,
	ops *usecase.OperationsUseCase,
) http.Handler {
	mux := http.NewServeMux()

	trackHandler := handler.NewTrackHandler(trackUseCase, logger, cfg.MaxEventSize)
	adminHandler := handler.NewAdminHandler(ops, logger)

	identify := ratelimit.IdentifierFunc(cfg.RateLimitTrustUserHeader)
	rateLimit := middleware.RateLimit(limiter, identify, quartz.NewReal(), m, logger)

	mux.Handle("POST /track", rateLimit(trackHandler))
	mux.HandleFunc("GET /health", adminHandler.Health)

	return middleware.Logging(logger)(mux)
}
