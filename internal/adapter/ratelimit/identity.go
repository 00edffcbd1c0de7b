package ratelimit

import (
	"net/http"
	"strings"
)

// UserIDHeader carries the authenticated user id set by the web application's edge.
// Clients can send it too, so it is only honored when the edge proxy is known to
// strip or overwrite it (RATE_LIMIT_TRUST_USER_HEADER).
const UserIDHeader = "X-User-ID"

// Identifier derives the rate limit key for a request: "user:<id>" when the user
// header is trusted and present, otherwise "ip:<addr>".
func Identifier(r *http.Request, trustUserHeader bool) string {
	if trustUserHeader {
		if uid := strings.TrimSpace(r.Header.Get(UserIDHeader)); uid != "" {
			return "user:" + uid
		}
	}
	return "ip:" + ClientIP(r)
}

// IdentifierFunc binds the user header trust setting for middleware use.
func IdentifierFunc(trustUserHeader bool) func(*http.Request) string {
	return func(r *http.Request) string {
		return Identifier(r, trustUserHeader)
	}
}

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else "unknown".
// RemoteAddr is not consulted.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}

// Kind returns the identity kind ("user" or "ip") of an identifier, for metric labels.
func Kind(identifier string) string {
	kind, _, ok := strings.Cut(identifier, ":")
	if !ok {
		return "unknown"
	}
	return kind
}
