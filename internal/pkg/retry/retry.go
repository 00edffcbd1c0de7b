// Package retry runs fallible operations with classification-aware exponential backoff.
//
// Do never panics and never returns a Go error: every outcome, including a panic
// inside the operation, is reported through Result so that telemetry failures can be
// absorbed by callers without breaking the host application.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
)

// Outcome describes how a call to Do ended.
type Outcome string

const (
	// Succeeded means an attempt returned nil.
	Succeeded Outcome = "succeeded"
	// Exhausted means every allowed attempt failed with a retryable error.
	Exhausted Outcome = "exhausted"
	// Rejected means an attempt failed with a non-retryable error.
	Rejected Outcome = "rejected"
	// Canceled means the context ended before the operation succeeded.
	Canceled Outcome = "canceled"
)

// DefaultRetryableCodes are the error codes treated as transient when none are configured.
var DefaultRetryableCodes = []string{"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "ENOTFOUND", "EAI_AGAIN"}

var (
	retryableSubstrings = []string{"network", "timeout", "connection"}
	retryableStatuses   = []string{"503", "429", "502", "504"}
)

// Options configures an Executor.
type Options struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableCodes    []string
}

// DefaultOptions returns three attempts starting at one second and doubling up to 30s.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableCodes:    DefaultRetryableCodes,
	}
}

// Result reports what happened across all attempts.
type Result struct {
	Outcome  Outcome
	Attempts int
	// Err is the last error seen, nil on success.
	Err error
	// Delays holds every wait performed between attempts, in order.
	Delays []time.Duration
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// Coder is implemented by errors that carry a machine-readable code.
type Coder interface {
	Code() string
}

type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.code + ": " + e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) Code() string  { return e.code }

// WithCode attaches a code to err so it can be matched against Options.RetryableCodes.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// MarkTransient flags err as retryable regardless of its message or code. Storage
// adapters use it for driver-level failures they know to be temporary.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("operation panicked: %v", e.value) }

// Executor runs operations under one retry policy. It holds no per-call state and is
// safe for concurrent use.
type Executor struct {
	opts     Options
	codes    map[string]struct{}
	clock    quartz.Clock
	logger   *slog.Logger
	onRetry  func(attempt int, delay time.Duration, err error)
	observer func(result string)
}

// Option is a functional option for configuring an Executor.
type Option func(e *Executor)

// WithClock sets the clock used for waits between attempts.
func WithClock(c quartz.Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithLogger sets the logger to use for logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithOnRetry registers a hook invoked before each wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// WithAttemptObserver registers a hook invoked after every attempt with
// "success", "retryable" or "permanent".
func WithAttemptObserver(fn func(result string)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// New creates an Executor. Out-of-range options are clamped: at least one attempt,
// a multiplier of at least 1 and a max delay no smaller than the base delay.
func New(opts Options, options ...Option) *Executor {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 1
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.RetryableCodes == nil {
		opts.RetryableCodes = DefaultRetryableCodes
	}

	e := &Executor{
		opts:   opts,
		codes:  make(map[string]struct{}, len(opts.RetryableCodes)),
		clock:  quartz.NewReal(),
		logger: slog.Default(),
	}
	for _, c := range opts.RetryableCodes {
		e.codes[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Options returns the effective options after clamping.
func (e *Executor) Options() Options {
	return e.opts
}

// Do calls op until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx ends. Only the calling goroutine waits between attempts.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = Rejected
			res.Err = fmt.Errorf("retry executor: %v", r)
		}
	}()

	b := e.newBackOff()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Outcome = Canceled
			if res.Err == nil {
				res.Err = err
			}
			return res
		}

		res.Attempts = attempt
		err := call(ctx, op)
		if err == nil {
			e.observe("success")
			res.Outcome = Succeeded
			res.Err = nil
			return res
		}
		res.Err = err

		if !e.IsRetryable(err) {
			e.observe("permanent")
			res.Outcome = Rejected
			return res
		}
		e.observe("retryable")

		if attempt >= e.opts.MaxRetries {
			res.Outcome = Exhausted
			return res
		}

		delay := b.NextBackOff()
		res.Delays = append(res.Delays, delay)
		if e.onRetry != nil {
			e.onRetry(attempt, delay, err)
		}
		e.logger.Debug("attempt failed, retrying", "attempt", attempt, "max_attempts", e.opts.MaxRetries, "delay", delay, "error", err)

		if !e.wait(ctx, delay) {
			res.Outcome = Canceled
			return res
		}
	}
}

// IsRetryable classifies err as transient.
func (e *Executor) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *panicError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var transient interface{ Transient() bool }
	if errors.As(err, &transient) && transient.Transient() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var coder Coder
	if errors.As(err, &coder) {
		if _, ok := e.codes[strings.ToUpper(coder.Code())]; ok {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range retryableStatuses {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// newBackOff yields min(base * multiplier^(n-1), max) for the n-th wait.
func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          e.opts.BackoffMultiplier,
		MaxInterval:         e.opts.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (e *Executor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := e.clock.NewTimer(d, "retry", "wait")
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Executor) observe(result string) {
	if e.observer != nil {
		e.observer(result)
	}
}

func call(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return op(ctx)
}
