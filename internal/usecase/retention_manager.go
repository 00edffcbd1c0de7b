package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/domain"
)

// DefaultRetentionSchedule runs cleanup daily at 02:00 UTC.
const DefaultRetentionSchedule = "0 2 * * *"

// RetentionConfig holds the tunables of a RetentionManager.
type RetentionConfig struct {
	ChunkSize          int
	PauseBetweenChunks time.Duration
	Schedule           string
}

// DefaultRetentionPolicies returns the built-in policy set for the analytics tables.
func DefaultRetentionPolicies(eventsDays, sessionsDays, auditDays int) []domain.RetentionPolicy {
	return []domain.RetentionPolicy{
		{Name: "analytics_events", Category: "analytics_events", RetentionDays: eventsDays, DateColumn: "occurred_at", Enabled: true},
		{Name: "user_sessions", Category: "user_sessions", RetentionDays: sessionsDays, DateColumn: "created_at", Enabled: true},
		{Name: "audit_logs", Category: "audit_logs", RetentionDays: auditDays, DateColumn: "created_at", Enabled: true},
	}
}

// RetentionManager deletes expired records per policy in bounded chunks.
type RetentionManager struct {
	cfg     RetentionConfig
	store   domain.RetentionStore
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	policies    []*domain.RetentionPolicy
	lastResults []domain.CleanupResult

	running atomic.Bool

	schedMu   sync.Mutex
	scheduler *cron.Cron
	cancel    context.CancelFunc
}

// RetentionOption is a functional option for configuring a RetentionManager.
type RetentionOption func(m *RetentionManager)

// WithRetentionClock sets the clock used for cutoffs, durations and chunk pauses.
func WithRetentionClock(c quartz.Clock) RetentionOption {
	return func(m *RetentionManager) {
		m.clock = c
	}
}

// WithRetentionMetrics sets the metrics sink.
func WithRetentionMetrics(mt *metrics.Metrics) RetentionOption {
	return func(m *RetentionManager) {
		m.metrics = mt
	}
}

// NewRetentionManager validates the initial policies and creates a manager over store.
func NewRetentionManager(cfg RetentionConfig, store domain.RetentionStore, policies []domain.RetentionPolicy, logger *slog.Logger, opts ...RetentionOption) (*RetentionManager, error) {
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("retention chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetentionSchedule
	}
	m := &RetentionManager{
		cfg:    cfg,
		store:  store,
		clock:  quartz.NewReal(),
		logger: logger.With("component", "retention_manager"),
	}
	for _, o := range opts {
		o(m)
	}
	for _, p := range policies {
		if err := m.AddPolicy(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Start schedules RunCleanup on the configured cron expression (UTC).
func (m *RetentionManager) Start(ctx context.Context) error {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.scheduler != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	_, err := c.AddFunc(m.cfg.Schedule, func() {
		if _, err := m.RunCleanup(runCtx); err != nil {
			m.logger.Warn("scheduled cleanup skipped", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid retention schedule %q: %w", m.cfg.Schedule, err)
	}

	c.Start()
	m.scheduler = c
	m.cancel = cancel
	m.logger.Info("retention scheduler started", "schedule", m.cfg.Schedule)
	return nil
}

// Stop stops the scheduler and waits for a running scheduled cleanup. If ctx ends
// first the running cleanup is canceled and ctx.Err() is returned.
func (m *RetentionManager) Stop(ctx context.Context) error {
	m.schedMu.Lock()
	c, cancel := m.scheduler, m.cancel
	m.scheduler, m.cancel = nil, nil
	m.schedMu.Unlock()
	if c == nil {
		return nil
	}
	defer cancel()

	select {
	case <-c.Stop().Done():
		m.logger.Info("retention scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a cleanup is in progress.
func (m *RetentionManager) Running() bool {
	return m.running.Load()
}

// RunCleanup executes every enabled policy in list order. It returns ErrCleanupRunning
// if another cleanup is in progress. Policy failures are reported in the results.
func (m *RetentionManager) RunCleanup(ctx context.Context) ([]domain.CleanupResult, error) {
	return m.run(ctx, m.enabledPolicies())
}

// ForceCleanup immediately runs the named policies, whether enabled or not. With no
// names it runs every enabled policy.
func (m *RetentionManager) ForceCleanup(ctx context.Context, names []string) ([]domain.CleanupResult, error) {
	if len(names) == 0 {
		return m.RunCleanup(ctx)
	}

	m.mu.RLock()
	selected := make([]domain.RetentionPolicy, 0, len(names))
	for _, name := range names {
		p := m.find(name)
		if p == nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, name)
		}
		selected = append(selected, *p)
	}
	m.mu.RUnlock()

	m.logger.Info("forced cleanup requested", "policies", names)
	return m.run(ctx, selected)
}

func (m *RetentionManager) run(ctx context.Context, policies []domain.RetentionPolicy) ([]domain.CleanupResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, domain.ErrCleanupRunning
	}
	defer m.running.Store(false)

	start := m.clock.Now()
	m.logger.Info("retention cleanup started", "policies", len(policies))

	results := make([]domain.CleanupResult, 0, len(policies))
	var deleted int64
	failed := 0
	for _, p := range policies {
		res := m.executePolicy(ctx, p)
		results = append(results, res)
		deleted += res.DeletedRecords
		if !res.Success {
			failed++
		}
	}

	m.mu.Lock()
	m.lastResults = results
	m.mu.Unlock()

	m.logger.Info("retention cleanup finished",
		"policies", len(policies),
		"failed", failed,
		"deleted_records", deleted,
		"duration", m.clock.Now().Sub(start),
	)
	return slices.Clone(results), nil
}

func (m *RetentionManager) executePolicy(ctx context.Context, p domain.RetentionPolicy) (res domain.CleanupResult) {
	start := m.clock.Now()
	res = domain.CleanupResult{PolicyName: p.Name, StartedAt: start.UTC()}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("policy panicked: %v", r)
		}
		res.Duration = m.clock.Now().Sub(start)
		m.metrics.ObserveCleanup(p.Name, res.DeletedRecords, res.Duration.Seconds(), res.Success)
		if !res.Success {
			m.logger.Error("retention policy failed", "policy", p.Name, "deleted_records", res.DeletedRecords, "error", res.Error)
		}
	}()

	cutoff := p.Cutoff(start)
	deleted, err := m.deleteExpired(ctx, p, cutoff)
	res.DeletedRecords = deleted
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true

	m.mu.Lock()
	if stored := m.find(p.Name); stored != nil {
		ran := start.UTC()
		stored.LastRun = &ran
		stored.TotalDeleted += deleted
	}
	m.mu.Unlock()

	m.logger.Info("retention policy executed", "policy", p.Name, "cutoff", cutoff.UTC(), "deleted_records", deleted)
	return res
}

// deleteExpired removes rows older than cutoff, at most ChunkSize per round, pausing
// between rounds. It stops on an empty or short page.
func (m *RetentionManager) deleteExpired(ctx context.Context, p domain.RetentionPolicy, cutoff time.Time) (int64, error) {
	var total int64
	for {
		ids, err := m.store.SelectExpiredIDs(ctx, p.Category, p.DateColumn, cutoff, m.cfg.ChunkSize)
		if err != nil {
			return total, fmt.Errorf("select expired rows from %s: %w", p.Category, err)
		}
		if len(ids) == 0 {
			return total, nil
		}

		n, err := m.store.DeleteByIDs(ctx, p.Category, ids)
		if err != nil {
			return total, fmt.Errorf("delete rows from %s: %w", p.Category, err)
		}
		total += n

		if len(ids) < m.cfg.ChunkSize {
			return total, nil
		}
		if err := m.pause(ctx); err != nil {
			return total, err
		}
	}
}

func (m *RetentionManager) pause(ctx context.Context) error {
	if m.cfg.PauseBetweenChunks <= 0 {
		return ctx.Err()
	}
	t := m.clock.NewTimer(m.cfg.PauseBetweenChunks, "retention", "pause")
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EstimateImpact counts, without deleting, how many rows each enabled policy would remove.
func (m *RetentionManager) EstimateImpact(ctx context.Context) ([]domain.CleanupEstimate, error) {
	now := m.clock.Now()
	policies := m.enabledPolicies()
	estimates := make([]domain.CleanupEstimate, 0, len(policies))

	var errs []error
	for _, p := range policies {
		cutoff := p.Cutoff(now)
		est := domain.CleanupEstimate{PolicyName: p.Name, Category: p.Category, Cutoff: cutoff.UTC()}

		matching, err := m.store.CountExpired(ctx, p.Category, p.DateColumn, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("estimate %s: %w", p.Name, err))
			continue
		}
		total, err := m.store.CountAll(ctx, p.Category)
		if err != nil {
			errs = append(errs, fmt.Errorf("estimate %s: %w", p.Name, err))
			continue
		}
		est.MatchingRecords = matching
		est.TotalRecords = total
		estimates = append(estimates, est)
	}
	return estimates, errors.Join(errs...)
}

// Policies returns a copy of all policies in list order.
func (m *RetentionManager) Policies() []domain.RetentionPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.RetentionPolicy, len(m.policies))
	for i, p := range m.policies {
		out[i] = *p
	}
	return out
}

// Policy returns one policy by name.
func (m *RetentionManager) Policy(name string) (domain.RetentionPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.find(name)
	if p == nil {
		return domain.RetentionPolicy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, name)
	}
	return *p, nil
}

// AddPolicy appends a new policy. Names must be unique.
func (m *RetentionManager) AddPolicy(p domain.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(p.Name) != nil {
		return fmt.Errorf("%w: %s", domain.ErrPolicyExists, p.Name)
	}
	m.policies = append(m.policies, &p)
	m.logger.Info("retention policy added", "policy", p.Name, "category", p.Category, "retention_days", p.RetentionDays, "enabled", p.Enabled)
	return nil
}

// UpdatePolicy applies the non-nil fields of u to the named policy.
func (m *RetentionManager) UpdatePolicy(name string, u domain.PolicyUpdate) (domain.RetentionPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.find(name)
	if p == nil {
		return domain.RetentionPolicy{}, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, name)
	}

	updated := *p
	if u.RetentionDays != nil {
		updated.RetentionDays = *u.RetentionDays
	}
	if u.DateColumn != nil {
		updated.DateColumn = *u.DateColumn
	}
	if u.Enabled != nil {
		updated.Enabled = *u.Enabled
	}
	if err := updated.Validate(); err != nil {
		return domain.RetentionPolicy{}, err
	}

	*p = updated
	m.logger.Info("retention policy updated", "policy", name, "retention_days", updated.RetentionDays, "enabled", updated.Enabled)
	return updated, nil
}

// RemovePolicy deletes the named policy.
func (m *RetentionManager) RemovePolicy(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := slices.IndexFunc(m.policies, func(p *domain.RetentionPolicy) bool { return p.Name == name })
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, name)
	}
	m.policies = slices.Delete(m.policies, i, i+1)
	m.logger.Info("retention policy removed", "policy", name)
	return nil
}

// LastResults returns the results of the most recent cleanup run.
func (m *RetentionManager) LastResults() []domain.CleanupResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.lastResults)
}

func (m *RetentionManager) enabledPolicies() []domain.RetentionPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RetentionPolicy
	for _, p := range m.policies {
		if p.Enabled {
			out = append(out, *p)
		}
	}
	return out
}

// find must be called with mu held.
func (m *RetentionManager) find(name string) *domain.RetentionPolicy {
	for _, p := range m.policies {
		if p.Name == name {
			return p
		}
	}
	return nil
}
