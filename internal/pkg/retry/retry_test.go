package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestExecutor(opts Options, options ...Option) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts, append([]Option{WithLogger(logger)}, options...)...)
}

func TestExecutor_Do(t *testing.T) {
	t.Run("succeeds first time", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		assert.True(t, res.OK())
		assert.Equal(t, Succeeded, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, 1, calls)
		assert.NoError(t, res.Err)
		assert.Empty(t, res.Delays)
	})

	t.Run("fails twice then succeeds", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls <= 2 {
				return errors.New("connection refused")
			}
			return nil
		})
		assert.Equal(t, Succeeded, res.Outcome)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, res.Delays)
	})

	t.Run("non-retryable stops immediately", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return errors.New("validation failed")
		})
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, 1, calls)
		assert.EqualError(t, res.Err, "validation failed")
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		calls := 0
		res := e.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return errors.New("request timeout")
		})
		assert.Equal(t, Exhausted, res.Outcome)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, 3, calls)
		assert.Len(t, res.Delays, 2)
		assert.False(t, res.OK())
	})

	t.Run("single attempt never waits", func(t *testing.T) {
		opts := testOptions()
		opts.MaxRetries = 1
		e := newTestExecutor(opts)
		res := e.Do(context.Background(), func(ctx context.Context) error {
			return errors.New("network unreachable")
		})
		assert.Equal(t, Exhausted, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, res.Delays)
	})

	t.Run("panic is reported not raised", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		var res Result
		require.NotPanics(t, func() {
			res = e.Do(context.Background(), func(ctx context.Context) error {
				panic("connection exploded")
			})
		})
		assert.Equal(t, Rejected, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.ErrorContains(t, res.Err, "panicked")
	})

	t.Run("canceled before first attempt", func(t *testing.T) {
		e := newTestExecutor(testOptions())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		res := e.Do(ctx, func(ctx context.Context) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.Equal(t, Canceled, res.Outcome)
		assert.Equal(t, 0, res.Attempts)
		assert.ErrorIs(t, res.Err, context.Canceled)
	})

	t.Run("canceled during wait", func(t *testing.T) {
		opts := testOptions()
		opts.BaseDelay = time.Hour
		opts.MaxDelay = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		e := newTestExecutor(opts, WithOnRetry(func(int, time.Duration, error) { cancel() }))

		done := make(chan Result, 1)
		go func() {
			done <- e.Do(ctx, func(ctx context.Context) error {
				return errors.New("503 service unavailable")
			})
		}()

		select {
		case res := <-done:
			assert.Equal(t, Canceled, res.Outcome)
			assert.Equal(t, 1, res.Attempts)
			assert.EqualError(t, res.Err, "503 service unavailable")
		case <-time.After(5 * time.Second):
			t.Fatal("Do did not return after cancellation")
		}
	})
}

func TestExecutor_Delays(t *testing.T) {
	opts := Options{
		MaxRetries:        6,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
	e := newTestExecutor(opts)
	b := e.newBackOff()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "delay %d", i+1)
	}
}

func TestExecutor_Hooks(t *testing.T) {
	var retries, success, retryable atomic.Int32
	e := newTestExecutor(testOptions(),
		WithOnRetry(func(attempt int, delay time.Duration, err error) { retries.Add(1) }),
		WithAttemptObserver(func(result string) {
			switch result {
			case "success":
				success.Add(1)
			case "retryable":
				retryable.Add(1)
			}
		}),
	)

	calls := 0
	e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("ECONNRESET")
		}
		return nil
	})

	assert.EqualValues(t, 0, retries.Load(), "bare ECONNRESET message is not classified without a code")
	assert.EqualValues(t, 0, success.Load())

	retries.Store(0)
	calls = 0
	e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return WithCode("ECONNRESET", errors.New("reset by peer"))
		}
		return nil
	})
	assert.EqualValues(t, 1, retries.Load())
	assert.EqualValues(t, 1, success.Load())
	assert.EqualValues(t, 1, retryable.Load())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestExecutor_IsRetryable(t *testing.T) {
	e := newTestExecutor(testOptions())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "network substring", err: errors.New("Network is down"), want: true},
		{name: "timeout substring", err: errors.New("TIMEOUT waiting for sink"), want: true},
		{name: "connection substring", err: errors.New("lost Connection"), want: true},
		{name: "status 503", err: errors.New("upstream returned 503"), want: true},
		{name: "status 429", err: errors.New("got 429"), want: true},
		{name: "status 502", err: errors.New("bad gateway 502"), want: true},
		{name: "status 504", err: errors.New("504"), want: true},
		{name: "status 500", err: errors.New("internal error 500"), want: false},
		{name: "retryable code", err: WithCode("ETIMEDOUT", errors.New("x")), want: true},
		{name: "lowercase code", err: WithCode("econnrefused", errors.New("x")), want: true},
		{name: "unknown code", err: WithCode("EPERM", errors.New("denied")), want: false},
		{name: "net error", err: timeoutErr{}, want: true},
		{name: "marked transient", err: MarkTransient(errors.New("serialization failure")), want: true},
		{name: "wrapped transient", err: fmt.Errorf("insert: %w", MarkTransient(errors.New("x"))), want: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "validation", err: errors.New("invalid payload"), want: false},
		{name: "panic", err: &panicError{value: "connection"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsRetryable(tt.err))
		})
	}
}

func TestNew_Clamps(t *testing.T) {
	e := New(Options{MaxRetries: 0, BackoffMultiplier: 0.5, BaseDelay: time.Second, MaxDelay: time.Millisecond})
	opts := e.Options()
	assert.Equal(t, 1, opts.MaxRetries)
	assert.Equal(t, 1.0, opts.BackoffMultiplier)
	assert.Equal(t, time.Second, opts.MaxDelay)
	assert.Equal(t, DefaultRetryableCodes, opts.RetryableCodes)
}
