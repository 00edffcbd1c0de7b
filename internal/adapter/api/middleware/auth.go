package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/V4T54L/beacon/internal/domain"
)

// AdminKeyHeader carries the operator key for the admin surface. A bearer token in
// Authorization is accepted as well.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth guards the operational endpoints. Requests without a known admin key
// are refused before they reach the queue, limiter or retention controls.
func AdminAuth(keys domain.AdminKeyRepository, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "admin_auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := adminKey(r)
			if key == "" {
				logger.Warn("admin request without key", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized: admin key required", http.StatusUnauthorized)
				return
			}

			ok, err := keys.IsValid(r.Context(), key)
			if err != nil {
				logger.Error("admin key lookup failed", "path", r.URL.Path, "error", err)
				http.Error(w, "Service Unavailable: admin key store unreachable", http.StatusServiceUnavailable)
				return
			}
			if !ok {
				logger.Warn("admin request with unknown or revoked key", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "Forbidden: admin key not recognized", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func adminKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
