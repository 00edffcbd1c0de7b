package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/pkg/retry"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownPollInterval = 50 * time.Millisecond
	deadLetterTimeout    = 5 * time.Second
)

// AddResult reports what happened to an event handed to the queue.
type AddResult string

const (
	// AddQueued means the event is waiting in the live queue.
	AddQueued AddResult = "queued"
	// AddDelivered means the event reached the sink before AddEvent returned.
	AddDelivered AddResult = "delivered"
	// AddDropped means delivery was attempted and gave up.
	AddDropped AddResult = "dropped"
)

// Queue states, as reported by Stats.
const (
	QueueIdle         = "idle"
	QueueAccumulating = "accumulating"
	QueueFlushing     = "flushing"
	QueueStopped      = "stopped"
)

// FlushReport summarizes one Flush call.
type FlushReport struct {
	Skipped         bool `json:"skipped"`
	Batches         int  `json:"batches"`
	DeliveredEvents int  `json:"delivered_events"`
	DroppedEvents   int  `json:"dropped_events"`
}

// BatchQueueStats is a point-in-time view of the queue.
type BatchQueueStats struct {
	QueueLength      int        `json:"queue_length"`
	IsProcessing     bool       `json:"is_processing"`
	State            string     `json:"state"`
	BatchSize        int        `json:"batch_size"`
	FlushIntervalMs  int64      `json:"flush_interval_ms"`
	BatchingEnabled  bool       `json:"batching_enabled"`
	DeliveredBatches uint64     `json:"delivered_batches"`
	DroppedBatches   uint64     `json:"dropped_batches"`
	DeliveredEvents  uint64     `json:"delivered_events"`
	DroppedEvents    uint64     `json:"dropped_events"`
	LastFlush        *time.Time `json:"last_flush,omitempty"`
}

// BatchQueueConfig holds the tunables of a BatchQueue.
type BatchQueueConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	EnableBatching bool
}

// BatchQueue buffers events in memory and delivers them to a sink in batches.
// Delivery is at-least-once per batch: a retried batch is resent in full.
type BatchQueue struct {
	cfg         BatchQueueConfig
	sink        domain.EventSink
	retry       *retry.Executor
	deadLetters domain.DeadLetterRepository
	clock       quartz.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	queue      []domain.Event
	processing bool
	stopped    bool
	seq        uint64
	lastFlush  time.Time

	deliveredBatches uint64
	droppedBatches   uint64
	deliveredEvents  uint64
	droppedEvents    uint64

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// BatchQueueOption is a functional option for configuring a BatchQueue.
type BatchQueueOption func(q *BatchQueue)

// WithDeadLetters stores exhausted batches in repo instead of dropping them.
func WithDeadLetters(repo domain.DeadLetterRepository) BatchQueueOption {
	return func(q *BatchQueue) {
		q.deadLetters = repo
	}
}

// WithQueueClock sets the clock used for the flush timer and batch timestamps.
func WithQueueClock(c quartz.Clock) BatchQueueOption {
	return func(q *BatchQueue) {
		q.clock = c
	}
}

// WithQueueMetrics sets the metrics sink.
func WithQueueMetrics(m *metrics.Metrics) BatchQueueOption {
	return func(q *BatchQueue) {
		q.metrics = m
	}
}

// NewBatchQueue creates a queue delivering to sink through executor.
func NewBatchQueue(cfg BatchQueueConfig, sink domain.EventSink, executor *retry.Executor, logger *slog.Logger, opts ...BatchQueueOption) *BatchQueue {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	q := &BatchQueue{
		cfg:    cfg,
		sink:   sink,
		retry:  executor,
		clock:  quartz.NewReal(),
		logger: logger.With("component", "batch_queue"),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// AddEvent hands one event to the queue. With batching disabled, or after Shutdown,
// the event is delivered immediately. When the queue reaches the batch size the flush
// runs in the caller's goroutine. Cancellation of ctx never aborts a delivery: the
// batch holds events from other callers too.
func (q *BatchQueue) AddEvent(ctx context.Context, event domain.Event) AddResult {
	q.mu.Lock()
	if !q.cfg.EnableBatching || q.stopped {
		q.seq++
		batch := domain.NewBatch(q.seq, []domain.Event{event}, q.clock.Now())
		q.mu.Unlock()

		if q.deliver(context.WithoutCancel(ctx), batch) {
			return AddDelivered
		}
		return AddDropped
	}

	q.queue = append(q.queue, event)
	length := len(q.queue)
	q.mu.Unlock()

	q.metrics.TrackEvent("queued", 1)
	q.metrics.SetQueueLength(length)

	if length < q.cfg.BatchSize {
		return AddQueued
	}

	report := q.Flush(ctx)
	switch {
	case report.Skipped:
		return AddQueued
	case report.DroppedEvents > 0:
		return AddDropped
	default:
		return AddDelivered
	}
}

// Flush delivers queued events in batches of at most BatchSize. It is a no-op when the
// queue is empty or another flush is in flight. After the first batch it keeps going
// only while a full batch remains, leaving a partial tail for the next trigger.
// Deliveries run detached from ctx cancellation; ctx only carries values.
func (q *BatchQueue) Flush(ctx context.Context) FlushReport {
	return q.flush(context.WithoutCancel(ctx))
}

// flush delivers with ctx as given. Shutdown uses it so its deadline bounds the drain.
func (q *BatchQueue) flush(ctx context.Context) FlushReport {
	q.mu.Lock()
	if q.processing || len(q.queue) == 0 {
		q.mu.Unlock()
		return FlushReport{Skipped: true}
	}
	q.processing = true
	q.mu.Unlock()

	finished := false
	defer func() {
		if !finished {
			q.finishFlush(0)
		}
	}()

	var report FlushReport
	for {
		batch, remaining := q.takeBatch()
		if batch == nil {
			break
		}
		q.metrics.SetQueueLength(remaining)

		report.Batches++
		if q.deliver(ctx, batch) {
			report.DeliveredEvents += len(batch.Events)
		} else {
			report.DroppedEvents += len(batch.Events)
		}

		// The length check and the processing reset share one critical section, so an
		// AddEvent that fills a batch either sees processing cleared and flushes itself,
		// or lands before the check and is picked up by this loop.
		if q.finishFlush(q.cfg.BatchSize) {
			finished = true
			return report
		}
	}
	return report
}

// finishFlush clears the processing flag unless at least full events are queued.
// It reports whether the flag was cleared.
func (q *BatchQueue) finishFlush(full int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if full > 0 && len(q.queue) >= full {
		return false
	}
	q.processing = false
	q.lastFlush = q.clock.Now()
	return true
}

// takeBatch moves up to BatchSize events from the live queue into a new batch.
func (q *BatchQueue) takeBatch() (*domain.Batch, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return nil, 0
	}
	n := min(len(q.queue), q.cfg.BatchSize)
	events := make([]domain.Event, n)
	copy(events, q.queue[:n])
	q.queue = append([]domain.Event(nil), q.queue[n:]...)

	q.seq++
	return domain.NewBatch(q.seq, events, q.clock.Now()), len(q.queue)
}

// deliver sends batch through the retry executor and reports whether it succeeded.
func (q *BatchQueue) deliver(ctx context.Context, batch *domain.Batch) bool {
	attempts := 0
	res := q.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			batch.RetryCount++
		}
		return q.send(ctx, batch.Events)
	})

	n := len(batch.Events)
	if res.OK() {
		q.mu.Lock()
		q.deliveredBatches++
		q.deliveredEvents += uint64(n)
		q.mu.Unlock()

		q.metrics.ObserveBatch("delivered")
		q.metrics.TrackEvent("delivered", n)
		q.logger.Debug("batch delivered", "batch_id", batch.ID, "events", n, "attempts", res.Attempts)
		return true
	}

	q.mu.Lock()
	q.droppedBatches++
	q.droppedEvents += uint64(n)
	q.mu.Unlock()

	q.metrics.ObserveBatch("dropped")
	q.metrics.TrackEvent("dropped", n)
	q.logger.Error("batch delivery failed",
		"batch_id", batch.ID,
		"events", n,
		"attempts", res.Attempts,
		"outcome", res.Outcome,
		"error", res.Err,
	)
	q.deadLetter(ctx, batch, res)
	return false
}

func (q *BatchQueue) send(ctx context.Context, events []domain.Event) error {
	if bs, ok := q.sink.(domain.BatchSink); ok {
		return bs.RecordBatch(ctx, events)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ev := range events {
		g.Go(func() error {
			return q.sink.RecordEvent(gctx, ev)
		})
	}
	return g.Wait()
}

func (q *BatchQueue) deadLetter(ctx context.Context, batch *domain.Batch, res retry.Result) {
	if q.deadLetters == nil {
		return
	}
	// The caller's context may already be done; the push gets its own deadline.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	if err := q.deadLetters.Push(dctx, *batch, res.Attempts, res.Err); err != nil {
		q.logger.Error("failed to store dead letter", "batch_id", batch.ID, "error", err)
		return
	}
	q.metrics.DeadLettered()
	q.logger.Warn("batch moved to dead letters", "batch_id", batch.ID, "events", len(batch.Events))
}

// Start launches the periodic flush timer. It is a no-op when batching is disabled
// and after the first call.
func (q *BatchQueue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		if !q.cfg.EnableBatching || q.cfg.FlushInterval <= 0 {
			close(q.done)
			return
		}
		ctx, q.cancel = context.WithCancel(ctx)
		go q.flushLoop(ctx)
	})
}

func (q *BatchQueue) flushLoop(ctx context.Context) {
	defer close(q.done)

	ticker := q.clock.NewTicker(q.cfg.FlushInterval, "batch_queue", "flush")
	defer ticker.Stop()

	// Deliveries started by the timer finish even if the loop is being stopped.
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Flush(ctx)
			}
		}
	}
}

// Shutdown stops the timer, drains the live queue and waits for in-flight flushes.
// Events still queued when ctx ends are lost; ctx.Err() is returned in that case.
func (q *BatchQueue) Shutdown(ctx context.Context) error {
	q.startOnce.Do(func() { close(q.done) })
	if q.cancel != nil {
		q.cancel()
	}
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		q.mu.Lock()
		length, processing := len(q.queue), q.processing
		if length == 0 && !processing {
			q.stopped = true
			q.mu.Unlock()
			q.logger.Info("batch queue drained")
			return nil
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			q.logger.Error("batch queue shutdown interrupted", "lost_events", length, "error", err)
			return err
		}

		if !processing {
			q.flush(ctx)
			continue
		}

		t := q.clock.NewTimer(shutdownPollInterval, "batch_queue", "shutdown")
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
}

// Len returns the number of events in the live queue.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stats returns counters and the current state of the queue.
func (q *BatchQueue) Stats() BatchQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := QueueIdle
	switch {
	case q.stopped:
		state = QueueStopped
	case q.processing:
		state = QueueFlushing
	case len(q.queue) > 0:
		state = QueueAccumulating
	}

	stats := BatchQueueStats{
		QueueLength:      len(q.queue),
		IsProcessing:     q.processing,
		State:            state,
		BatchSize:        q.cfg.BatchSize,
		FlushIntervalMs:  q.cfg.FlushInterval.Milliseconds(),
		BatchingEnabled:  q.cfg.EnableBatching,
		DeliveredBatches: q.deliveredBatches,
		DroppedBatches:   q.droppedBatches,
		DeliveredEvents:  q.deliveredEvents,
		DroppedEvents:    q.droppedEvents,
	}
	if !q.lastFlush.IsZero() {
		last := q.lastFlush
		stats.LastFlush = &last
	}
	return stats
}
