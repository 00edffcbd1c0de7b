package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/ratelimit"
	"github.com/V4T54L/beacon/internal/domain"
)

// RateChecker decides whether one more request from identifier is allowed.
type RateChecker interface {
	Check(identifier string) domain.RateLimitDecision
}

type rateLimitedResponse struct {
	Error             string    `json:"error"`
	Message           string    `json:"message"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
}

// RateLimit rejects callers that exceeded their window with 429 Too Many Requests.
// identify maps a request to its limiter key. Every response carries the
// X-RateLimit-* headers.
func RateLimit(limiter RateChecker, identify func(*http.Request) string, clock quartz.Clock, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := identify(r)
			decision := limiter.Check(identifier)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))

			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int64(decision.RetryAfter(clock.Now()) / time.Second)
			m.RateLimited(ratelimit.Kind(identifier))
			logger.Warn("rate limit exceeded",
				"identifier", identifier,
				"hits", decision.TotalHits,
				"limit", decision.Limit,
				"retry_after_s", retryAfter,
			)

			h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rateLimitedResponse{
				Error:             "rate_limit_exceeded",
				Message:           "Too many requests, please try again later.",
				ResetTime:         decision.ResetTime.UTC(),
				RetryAfterSeconds: retryAfter,
			})
		})
	}
}
