// Package ratelimit implements an in-memory fixed-window rate limiter keyed by caller identity.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/domain"
	"github.com/coder/quartz"
)

// entryOverheadBytes approximates the map bucket, struct and string header cost of one entry.
const entryOverheadBytes = 64

type entry struct {
	count       int
	windowStart time.Time
	lastRequest time.Time
}

// Limiter counts requests per identifier in fixed windows.
// All methods are safe for concurrent use.
type Limiter struct {
	window        time.Duration
	maxRequests   int
	sweepInterval time.Duration
	clock         quartz.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// Option is a functional option for configuring a Limiter.
type Option func(l *Limiter)

// WithClock sets the clock used for window math and the sweep ticker.
func WithClock(c quartz.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithSweepInterval sets how often idle entries are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// NewLimiter creates a limiter allowing maxRequests per window for each identifier.
func NewLimiter(window time.Duration, maxRequests int, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		window:        window,
		maxRequests:   maxRequests,
		sweepInterval: 5 * time.Minute,
		clock:         quartz.NewReal(),
		logger:        logger.With("component", "rate_limiter"),
		entries:       make(map[string]*entry),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one request for identifier and reports whether it is allowed.
func (l *Limiter) Check(identifier string) domain.RateLimitDecision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identifier]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[identifier] = e
	}
	if now.Sub(e.windowStart) >= l.window {
		e.count = 0
		e.windowStart = now
	}
	e.count++
	e.lastRequest = now

	remaining := l.maxRequests - e.count
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   e.count <= l.maxRequests,
		Remaining: remaining,
		Limit:     l.maxRequests,
		ResetTime: e.windowStart.Add(l.window),
		TotalHits: e.count,
	}
}

// Reset forgets identifier. It reports whether an entry existed.
func (l *Limiter) Reset(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries[identifier]
	delete(l.entries, identifier)
	return ok
}

// Stats returns the tracked identifier count, an estimated memory footprint and
// the topN identifiers by current count.
func (l *Limiter) Stats(topN int) domain.RateLimitStats {
	l.mu.Lock()
	consumers := make([]domain.RateLimitConsumer, 0, len(l.entries))
	bytes := 0
	for id, e := range l.entries {
		bytes += len(id) + entryOverheadBytes
		consumers = append(consumers, domain.RateLimitConsumer{
			Identifier:  id,
			Count:       e.count,
			WindowStart: e.windowStart,
			LastRequest: e.lastRequest,
		})
	}
	tracked := len(l.entries)
	l.mu.Unlock()

	sort.Slice(consumers, func(i, j int) bool {
		if consumers[i].Count != consumers[j].Count {
			return consumers[i].Count > consumers[j].Count
		}
		return consumers[i].Identifier < consumers[j].Identifier
	})
	if topN >= 0 && len(consumers) > topN {
		consumers = consumers[:topN]
	}

	return domain.RateLimitStats{
		TrackedIdentifiers: tracked,
		EstimatedBytes:     bytes,
		TopConsumers:       consumers,
		WindowMs:           l.window.Milliseconds(),
		MaxRequests:        l.maxRequests,
	}
}

// Sweep evicts entries whose last request is older than twice the window and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	idle := 2 * l.window

	l.mu.Lock()
	removed := 0
	for id, e := range l.entries {
		if now.Sub(e.lastRequest) > idle {
			delete(l.entries, id)
			removed++
		}
	}
	remaining := len(l.entries)
	l.mu.Unlock()

	l.metrics.SetTrackedIdentifiers(remaining)
	if removed > 0 {
		l.logger.Debug("swept idle rate limit entries", "removed", removed, "remaining", remaining)
	}
	return removed
}

// Start launches the background sweep. It is a no-op after the first call.
func (l *Limiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, l.cancel = context.WithCancel(ctx)
		go l.sweepLoop(ctx)
	})
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	defer close(l.done)

	ticker := l.clock.NewTicker(l.sweepInterval, "ratelimit", "sweep")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Close stops the sweep goroutine and waits for it to exit. Safe to call more than once,
// and before Start.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		started := true
		l.startOnce.Do(func() { started = false })
		if !started {
			return
		}
		l.cancel()
		<-l.done
	})
}
