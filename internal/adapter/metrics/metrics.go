package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

// Metrics holds all Prometheus metrics for the analytics pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	QueueLength         prometheus.Gauge
	BatchesTotal        *prometheus.CounterVec
	RetryAttemptsTotal  *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	RateLimitTracked    prometheus.Gauge
	HealthStatus        prometheus.Gauge
	CleanupDeletedTotal *prometheus.CounterVec
	CleanupDuration     *prometheus.HistogramVec
	AdminKeyCacheHits   prometheus.Counter
	AdminKeyCacheMisses prometheus.Counter
	DeadLettersTotal    prometheus.Counter
}

// New initializes the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "track",
			Name:      "events_total",
			Help:      "Total number of tracked events by outcome.",
		}, []string{"outcome"}), // outcome: queued, delivered, dropped, invalid, rate_limited
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of events waiting in the live queue.",
		}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batches_total",
			Help:      "Total number of flushed batches by outcome.",
		}, []string{"outcome"}),
		RetryAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of delivery attempts by result.",
		}, []string{"result"}), // result: success, retryable, permanent
		RateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by the rate limiter, by identity kind.",
		}, []string{"kind"}), // kind: user, ip
		RateLimitTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "tracked_identifiers",
			Help:      "Number of identifiers held by the rate limiter after the last sweep.",
		}),
		HealthStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Aggregate health (0 healthy, 1 warning, 2 critical).",
		}),
		CleanupDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_records_total",
			Help:      "Total number of records deleted by retention policies.",
		}, []string{"policy"}),
		CleanupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "policy_duration_seconds",
			Help:      "Duration of a single retention policy execution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"policy", "success"}),
		AdminKeyCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "admin_key_cache_hits_total",
			Help:      "Total number of admin API key cache hits.",
		}),
		AdminKeyCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "admin_key_cache_misses_total",
			Help:      "Total number of admin API key cache misses.",
		}),
		DeadLettersTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Total number of batches moved to the dead-letter store.",
		}),
	}
}

// TrackEvent counts one event outcome.
func (m *Metrics) TrackEvent(outcome string, n int) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Add(float64(n))
}

// SetQueueLength publishes the live queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// ObserveBatch counts one flushed batch.
func (m *Metrics) ObserveBatch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAttempt counts one retry executor attempt.
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(result).Inc()
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited(kind string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(kind).Inc()
}

// SetTrackedIdentifiers publishes the limiter map size.
func (m *Metrics) SetTrackedIdentifiers(n int) {
	if m == nil {
		return
	}
	m.RateLimitTracked.Set(float64(n))
}

// SetHealth publishes the aggregate health severity value.
func (m *Metrics) SetHealth(value int) {
	if m == nil {
		return
	}
	m.HealthStatus.Set(float64(value))
}

// ObserveCleanup records one policy execution.
func (m *Metrics) ObserveCleanup(policy string, deleted int64, seconds float64, success bool) {
	if m == nil {
		return
	}
	m.CleanupDeletedTotal.WithLabelValues(policy).Add(float64(deleted))
	label := "true"
	if !success {
		label = "false"
	}
	m.CleanupDuration.WithLabelValues(policy, label).Observe(seconds)
}

// AdminKeyCache counts a cache hit or miss.
func (m *Metrics) AdminKeyCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AdminKeyCacheHits.Inc()
		return
	}
	m.AdminKeyCacheMisses.Inc()
}

// DeadLettered counts one batch moved to the dead-letter store.
func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Inc()
}
