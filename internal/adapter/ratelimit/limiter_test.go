package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestLimiter(t *testing.T, window time.Duration, max int) (*Limiter, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLimiter(window, max, logger, WithClock(clock)), clock
}

func TestLimiter_Check(t *testing.T) {
	l, clock := newTestLimiter(t, time.Minute, 2)
	start := clock.Now()

	first := l.Check("ip:1.2.3.4")
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.Equal(t, 1, first.TotalHits)
	assert.Equal(t, 2, first.Limit)
	assert.Equal(t, start.Add(time.Minute), first.ResetTime)

	clock.Advance(10 * time.Second)
	second := l.Check("ip:1.2.3.4")
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)
	assert.Equal(t, start.Add(time.Minute), second.ResetTime, "reset time is anchored at window start")

	third := l.Check("ip:1.2.3.4")
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, 3, third.TotalHits)
	assert.Equal(t, 50*time.Second, third.RetryAfter(clock.Now()))

	other := l.Check("ip:5.6.7.8")
	assert.True(t, other.Allowed, "identifiers are counted independently")
}

func TestLimiter_WindowRollover(t *testing.T) {
	l, clock := newTestLimiter(t, time.Minute, 1)

	assert.True(t, l.Check("user:42").Allowed)
	assert.False(t, l.Check("user:42").Allowed)

	clock.Advance(59 * time.Second)
	assert.False(t, l.Check("user:42").Allowed, "still inside the window")

	clock.Advance(time.Second)
	d := l.Check("user:42")
	assert.True(t, d.Allowed, "window boundary is inclusive")
	assert.Equal(t, 1, d.TotalHits)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetTime)
}

func TestLimiter_EndToEnd(t *testing.T) {
	l, clock := newTestLimiter(t, time.Minute, 2)

	r := httptest.NewRequest("POST", "/track", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	id := Identifier(r, false)
	require.Equal(t, "ip:1.2.3.4", id)

	assert.True(t, l.Check(id).Allowed)
	assert.True(t, l.Check(id).Allowed)

	denied := l.Check(id)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)

	clock.Advance(61 * time.Second)
	again := l.Check(id)
	assert.True(t, again.Allowed)
	assert.Equal(t, 1, again.Remaining)
}

func TestLimiter_ResetAndStats(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute, 100)

	for i := 0; i < 5; i++ {
		l.Check("ip:a")
	}
	for i := 0; i < 3; i++ {
		l.Check("user:b")
	}
	l.Check("ip:c")

	stats := l.Stats(2)
	assert.Equal(t, 3, stats.TrackedIdentifiers)
	assert.Equal(t, int64(60000), stats.WindowMs)
	assert.Equal(t, 100, stats.MaxRequests)
	assert.Greater(t, stats.EstimatedBytes, 0)
	require.Len(t, stats.TopConsumers, 2)
	assert.Equal(t, "ip:a", stats.TopConsumers[0].Identifier)
	assert.Equal(t, 5, stats.TopConsumers[0].Count)
	assert.Equal(t, "user:b", stats.TopConsumers[1].Identifier)

	assert.True(t, l.Reset("ip:a"))
	assert.False(t, l.Reset("ip:a"))
	assert.Equal(t, 2, l.Stats(10).TrackedIdentifiers)

	d := l.Check("ip:a")
	assert.Equal(t, 1, d.TotalHits, "reset identifier starts a fresh window")
}

func TestLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(t, time.Minute, 10)

	l.Check("ip:idle")
	clock.Advance(90 * time.Second)
	l.Check("ip:active")

	clock.Advance(31 * time.Second)
	removed := l.Sweep()
	assert.Equal(t, 1, removed, "only the entry idle for more than two windows is evicted")

	stats := l.Stats(10)
	require.Equal(t, 1, stats.TrackedIdentifiers)
	assert.Equal(t, "ip:active", stats.TopConsumers[0].Identifier)

	clock.Advance(89 * time.Second)
	assert.Equal(t, 0, l.Sweep(), "exactly two windows idle is kept")
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, l.Sweep())
}

func TestLimiter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewLimiter(time.Minute, 1000, logger)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Check("ip:shared")
				l.Check(fmt.Sprintf("ip:%d", i))
			}
		}()
	}
	wg.Wait()

	stats := l.Stats(1)
	assert.Equal(t, 400, stats.TopConsumers[0].Count)
	assert.Equal(t, 51, stats.TrackedIdentifiers)
}

func TestLimiter_StartClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewLimiter(time.Nanosecond, 10, logger, WithSweepInterval(5*time.Millisecond))
	l.Check("ip:gone")

	l.Start(context.Background())
	l.Start(context.Background())

	assert.Eventually(t, func() bool {
		return l.Stats(1).TrackedIdentifiers == 0
	}, time.Second, 5*time.Millisecond)

	l.Close()
	l.Close()
}

func TestLimiter_CloseWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewLimiter(time.Minute, 10, logger)
	l.Close()
	l.Start(context.Background())
}
