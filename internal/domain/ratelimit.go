package domain

import "time"

// RateLimitDecision is the outcome of a single rate limit check.
type RateLimitDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetTime time.Time `json:"reset_time"`
	TotalHits int       `json:"total_hits"`
}

// RetryAfter returns how long a rejected caller should wait, rounded up to a whole second.
func (d RateLimitDecision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetTime.Sub(now)
	if wait <= 0 {
		return 0
	}
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}

// RateLimitConsumer is one identifier's usage, as shown in stats.
type RateLimitConsumer struct {
	Identifier  string    `json:"identifier"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	LastRequest time.Time `json:"last_request"`
}

// RateLimitStats summarizes limiter state for operators.
type RateLimitStats struct {
	TrackedIdentifiers int                 `json:"tracked_identifiers"`
	EstimatedBytes     int                 `json:"estimated_bytes"`
	TopConsumers       []RateLimitConsumer `json:"top_consumers"`
	WindowMs           int64               `json:"window_ms"`
	MaxRequests        int                 `json:"max_requests"`
}
