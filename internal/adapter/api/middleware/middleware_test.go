package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/ratelimit"
	"github.com/V4T54L/beacon/internal/domain/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
})

func TestRateLimit(t *testing.T) {
	clock := quartz.NewMock(t)
	limiter := ratelimit.NewLimiter(time.Minute, 2, discardLogger(), ratelimit.WithClock(clock))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	handler := RateLimit(limiter, ratelimit.IdentifierFunc(false), clock, m, discardLogger())(okHandler)

	send := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/track", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := send("203.0.113.1")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusAccepted, send("203.0.113.1").Code)

	clock.Advance(10 * time.Second).MustWait(context.Background())
	rr = send("203.0.113.1")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "50", rr.Header().Get("Retry-After"))

	var body rateLimitedResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.EqualValues(t, 50, body.RetryAfterSeconds)
	assert.Equal(t, clock.Now().Add(50*time.Second).Unix(), body.ResetTime.Unix())

	assert.Equal(t, http.StatusAccepted, send("203.0.113.2").Code, "other callers are unaffected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("ip")))

	clock.Advance(50 * time.Second).MustWait(context.Background())
	assert.Equal(t, http.StatusAccepted, send("203.0.113.1").Code, "new window admits the caller again")
}

func TestRateLimit_UserHeaderTrust(t *testing.T) {
	tests := []struct {
		name       string
		trust      bool
		wantStatus int
		wantKind   string
	}{
		{name: "untrusted header cannot rotate past the limit", trust: false, wantStatus: http.StatusTooManyRequests, wantKind: "ip"},
		{name: "trusted header keys per user", trust: true, wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := quartz.NewMock(t)
			limiter := ratelimit.NewLimiter(time.Minute, 2, discardLogger(), ratelimit.WithClock(clock))
			m := metrics.New(prometheus.NewRegistry())
			handler := RateLimit(limiter, ratelimit.IdentifierFunc(tt.trust), clock, m, discardLogger())(okHandler)

			var last int
			for _, uid := range []string{"u1", "u2", "u3"} {
				req := httptest.NewRequest(http.MethodPost, "/track", nil)
				req.Header.Set("X-Forwarded-For", "203.0.113.9")
				req.Header.Set(ratelimit.UserIDHeader, uid)
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				last = rr.Code
			}
			assert.Equal(t, tt.wantStatus, last)
			if tt.wantKind != "" {
				assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejections.WithLabelValues(tt.wantKind)))
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	repo := &mocks.MockAdminKeyRepository{ValidKeys: map[string]bool{"ops-key": true}}
	handler := AdminAuth(repo, discardLogger())(okHandler)

	tests := []struct {
		name     string
		header   string
		value    string
		repoErr  error
		want     int
		wantBody string
	}{
		{name: "missing key", want: http.StatusUnauthorized, wantBody: "Unauthorized: admin key required\n"},
		{name: "unknown key", header: AdminKeyHeader, value: "stale", want: http.StatusForbidden, wantBody: "Forbidden: admin key not recognized\n"},
		{name: "valid key", header: AdminKeyHeader, value: "ops-key", want: http.StatusAccepted},
		{name: "bearer token", header: "Authorization", value: "Bearer ops-key", want: http.StatusAccepted},
		{name: "non-bearer authorization", header: "Authorization", value: "Basic ops-key", want: http.StatusUnauthorized},
		{name: "key store down", header: AdminKeyHeader, value: "ops-key", repoErr: errors.New("db down"), want: http.StatusServiceUnavailable, wantBody: "Service Unavailable: admin key store unreachable\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.Err = tt.repoErr
			req := httptest.NewRequest(http.MethodPost, "/admin/queue/flush", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestLogging_PreservesFlusher(t *testing.T) {
	var flushed bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		f.Flush()
		flushed = true
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	Logging(discardLogger())(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, flushed)
	assert.True(t, rr.Flushed)
}
