package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/domain"
)

const (
	probeTimeout = 5 * time.Second
	bytesPerMB   = 1024 * 1024
)

// Probe names.
const (
	CheckBatchQueue    = "batch_queue"
	CheckEventSink     = "event_sink"
	CheckProcessMemory = "process_memory"
	CheckStorage       = "storage"
)

// QueueLengther is the part of the batch queue the monitor looks at.
type QueueLengther interface {
	Len() int
}

// HealthMonitorConfig holds probe thresholds and the check interval.
type HealthMonitorConfig struct {
	Interval            time.Duration
	QueueWarn           int
	QueueCritical       int
	MemoryWarnBytes     uint64
	MemoryCriticalBytes uint64
}

type healthProbe struct {
	name string
	run  func(ctx context.Context) (domain.HealthSeverity, string, map[string]any)
}

// HealthMonitor periodically probes the pipeline and caches the aggregate status.
type HealthMonitor struct {
	cfg       HealthMonitorConfig
	queue     QueueLengther
	sink      domain.EventSink
	storage   domain.Pinger
	clock     quartz.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	heapInUse func() uint64
	probes    []healthProbe

	recordMu sync.Mutex
	mu       sync.RWMutex
	last     *domain.HealthStatus

	subMu sync.Mutex
	subs  map[chan domain.HealthStatus]struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// HealthMonitorOption is a functional option for configuring a HealthMonitor.
type HealthMonitorOption func(m *HealthMonitor)

// WithStorage adds a reachability probe for the retention store.
func WithStorage(p domain.Pinger) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.storage = p
	}
}

// WithMonitorClock sets the clock used for the check interval and probe durations.
func WithMonitorClock(c quartz.Clock) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.clock = c
	}
}

// WithMonitorMetrics sets the metrics sink.
func WithMonitorMetrics(mt *metrics.Metrics) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.metrics = mt
	}
}

// WithHeapReader replaces the heap-in-use source of the memory probe.
func WithHeapReader(fn func() uint64) HealthMonitorOption {
	return func(m *HealthMonitor) {
		m.heapInUse = fn
	}
}

// NewHealthMonitor creates a monitor over the queue and the sink.
func NewHealthMonitor(cfg HealthMonitorConfig, queue QueueLengther, sink domain.EventSink, logger *slog.Logger, opts ...HealthMonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		cfg:       cfg,
		queue:     queue,
		sink:      sink,
		clock:     quartz.NewReal(),
		logger:    logger.With("component", "health_monitor"),
		heapInUse: readHeapAlloc,
		subs:      make(map[chan domain.HealthStatus]struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.probes = []healthProbe{
		{name: CheckBatchQueue, run: m.checkQueue},
		{name: CheckEventSink, run: m.checkSink},
		{name: CheckProcessMemory, run: m.checkMemory},
		{name: CheckStorage, run: m.checkStorage},
	}
	return m
}

// Start runs a check immediately and then every Interval until Stop.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		go func() {
			defer close(m.done)
			m.CheckNow(ctx)
			w := m.clock.TickerFunc(ctx, m.cfg.Interval, func() error {
				m.CheckNow(ctx)
				return nil
			}, "health_monitor", "check")
			_ = w.Wait()
		}()
	})
}

// Stop halts periodic checks and waits for a running check to finish.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		started := true
		m.startOnce.Do(func() { started = false })
		if !started {
			return
		}
		m.cancel()
		<-m.done
	})
}

// CheckNow runs every probe concurrently, stores and publishes the aggregate status.
func (m *HealthMonitor) CheckNow(ctx context.Context) domain.HealthStatus {
	checks := make([]domain.HealthCheck, len(m.probes))

	var g errgroup.Group
	for i, p := range m.probes {
		g.Go(func() error {
			checks[i] = m.runProbe(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := domain.Aggregate(checks, m.clock.Now().UTC())
	m.record(status)
	return status
}

// Last returns the most recent status, if any check has completed.
func (m *HealthMonitor) Last() (domain.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return domain.HealthStatus{}, false
	}
	return *m.last, true
}

// Subscribe returns a channel receiving every new status and a function that cancels
// the subscription. Slow subscribers miss updates rather than block the monitor.
func (m *HealthMonitor) Subscribe() (<-chan domain.HealthStatus, func()) {
	ch := make(chan domain.HealthStatus, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
		})
	}
}

func (m *HealthMonitor) record(status domain.HealthStatus) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	m.mu.Lock()
	prev := domain.HealthHealthy
	if m.last != nil {
		prev = m.last.Status
	}
	m.last = &status
	m.mu.Unlock()

	m.metrics.SetHealth(status.Status.Value())

	switch {
	case status.Status != prev && status.Status != domain.HealthHealthy:
		m.logger.Warn("system health degraded",
			"from", prev,
			"to", status.Status,
			"warnings", status.Warnings,
			"critical", status.Critical,
			"failing", failingChecks(status.Checks),
		)
	case status.Status == domain.HealthHealthy && prev != domain.HealthHealthy:
		m.logger.Info("system health recovered", "from", prev)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (m *HealthMonitor) runProbe(ctx context.Context, p healthProbe) (check domain.HealthCheck) {
	start := m.clock.Now()
	check.Name = p.name
	defer func() {
		if r := recover(); r != nil {
			check.Status = domain.HealthCritical
			check.Message = fmt.Sprintf("probe panicked: %v", r)
			check.Metadata = nil
		}
		check.Duration = m.clock.Now().Sub(start)
	}()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	check.Status, check.Message, check.Metadata = p.run(pctx)
	return check
}

func (m *HealthMonitor) checkQueue(ctx context.Context) (domain.HealthSeverity, string, map[string]any) {
	n := m.queue.Len()
	meta := map[string]any{"queue_length": n}
	switch {
	case n >= m.cfg.QueueCritical:
		return domain.HealthCritical, fmt.Sprintf("queue length %d at or above %d", n, m.cfg.QueueCritical), meta
	case n >= m.cfg.QueueWarn:
		return domain.HealthWarning, fmt.Sprintf("queue length %d at or above %d", n, m.cfg.QueueWarn), meta
	default:
		return domain.HealthHealthy, "queue length normal", meta
	}
}

func (m *HealthMonitor) checkSink(ctx context.Context) (domain.HealthSeverity, string, map[string]any) {
	p, ok := m.sink.(domain.Pinger)
	if !ok {
		return domain.HealthHealthy, "sink does not support ping", nil
	}
	if err := p.Ping(ctx); err != nil {
		return domain.HealthCritical, "sink unreachable: " + err.Error(), nil
	}
	return domain.HealthHealthy, "sink reachable", nil
}

func (m *HealthMonitor) checkMemory(ctx context.Context) (domain.HealthSeverity, string, map[string]any) {
	heap := m.heapInUse()
	meta := map[string]any{"heap_alloc_mb": heap / bytesPerMB}
	if rss, err := processRSS(ctx); err == nil {
		meta["rss_mb"] = rss / bytesPerMB
	}

	switch {
	case heap > m.cfg.MemoryCriticalBytes:
		return domain.HealthCritical, fmt.Sprintf("heap %dMB above %dMB", heap/bytesPerMB, m.cfg.MemoryCriticalBytes/bytesPerMB), meta
	case heap > m.cfg.MemoryWarnBytes:
		return domain.HealthWarning, fmt.Sprintf("heap %dMB above %dMB", heap/bytesPerMB, m.cfg.MemoryWarnBytes/bytesPerMB), meta
	default:
		return domain.HealthHealthy, "memory usage normal", meta
	}
}

func (m *HealthMonitor) checkStorage(ctx context.Context) (domain.HealthSeverity, string, map[string]any) {
	if m.storage == nil {
		return domain.HealthHealthy, "no storage configured", nil
	}
	if err := m.storage.Ping(ctx); err != nil {
		return domain.HealthCritical, "storage unreachable: " + err.Error(), nil
	}
	return domain.HealthHealthy, "storage reachable", nil
}

func failingChecks(checks []domain.HealthCheck) []string {
	var names []string
	for _, c := range checks {
		if c.Status != domain.HealthHealthy {
			names = append(names, c.Name)
		}
	}
	return names
}

func readHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func processRSS(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
