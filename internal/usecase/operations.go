package usecase

import (
	"context"

	"github.com/V4T54L/beacon/internal/domain"
)

const defaultDeadLetterPage = 100

// RateLimitAdmin is the administrative surface of the rate limiter.
type RateLimitAdmin interface {
	Stats(topN int) domain.RateLimitStats
	Reset(identifier string) bool
}

// OperationsUseCase provides the operational query surface over the pipeline components.
type OperationsUseCase struct {
	queue       *BatchQueue
	limiter     RateLimitAdmin
	monitor     *HealthMonitor
	retention   *RetentionManager
	deadLetters domain.DeadLetterRepository
}

// NewOperationsUseCase creates a new OperationsUseCase. deadLetters may be nil.
func NewOperationsUseCase(queue *BatchQueue, limiter RateLimitAdmin, monitor *HealthMonitor, retention *RetentionManager, deadLetters domain.DeadLetterRepository) *OperationsUseCase {
	return &OperationsUseCase{
		queue:       queue,
		limiter:     limiter,
		monitor:     monitor,
		retention:   retention,
		deadLetters: deadLetters,
	}
}

func (uc *OperationsUseCase) QueueStats() BatchQueueStats {
	return uc.queue.Stats()
}

func (uc *OperationsUseCase) FlushQueue(ctx context.Context) FlushReport {
	return uc.queue.Flush(ctx)
}

func (uc *OperationsUseCase) RateLimitStats(topN int) domain.RateLimitStats {
	if topN <= 0 {
		topN = 10
	}
	return uc.limiter.Stats(topN)
}

// ResetRateLimit forgets identifier and reports whether it was tracked.
func (uc *OperationsUseCase) ResetRateLimit(identifier string) bool {
	return uc.limiter.Reset(identifier)
}

// LastHealth returns the cached status, running a check first if none exists yet.
func (uc *OperationsUseCase) LastHealth(ctx context.Context) domain.HealthStatus {
	if status, ok := uc.monitor.Last(); ok {
		return status
	}
	return uc.monitor.CheckNow(ctx)
}

func (uc *OperationsUseCase) CheckHealth(ctx context.Context) domain.HealthStatus {
	return uc.monitor.CheckNow(ctx)
}

func (uc *OperationsUseCase) SubscribeHealth() (<-chan domain.HealthStatus, func()) {
	return uc.monitor.Subscribe()
}

func (uc *OperationsUseCase) Policies() []domain.RetentionPolicy {
	return uc.retention.Policies()
}

func (uc *OperationsUseCase) AddPolicy(p domain.RetentionPolicy) error {
	return uc.retention.AddPolicy(p)
}

func (uc *OperationsUseCase) UpdatePolicy(name string, u domain.PolicyUpdate) (domain.RetentionPolicy, error) {
	return uc.retention.UpdatePolicy(name, u)
}

func (uc *OperationsUseCase) RemovePolicy(name string) error {
	return uc.retention.RemovePolicy(name)
}

func (uc *OperationsUseCase) ForceCleanup(ctx context.Context, names []string) ([]domain.CleanupResult, error) {
	return uc.retention.ForceCleanup(ctx, names)
}

func (uc *OperationsUseCase) EstimateCleanup(ctx context.Context) ([]domain.CleanupEstimate, error) {
	return uc.retention.EstimateImpact(ctx)
}

func (uc *OperationsUseCase) LastCleanupResults() []domain.CleanupResult {
	return uc.retention.LastResults()
}

// DeadLetters returns up to count dead letters, newest first, and the stored total.
func (uc *OperationsUseCase) DeadLetters(ctx context.Context, count int64) ([]domain.DeadLetter, int64, error) {
	if uc.deadLetters == nil {
		return nil, 0, domain.ErrDeadLettersDisabled
	}
	if count <= 0 {
		count = defaultDeadLetterPage
	}
	letters, err := uc.deadLetters.List(ctx, count)
	if err != nil {
		return nil, 0, err
	}
	total, err := uc.deadLetters.Len(ctx)
	if err != nil {
		return nil, 0, err
	}
	return letters, total, nil
}

func (uc *OperationsUseCase) TrimDeadLetters(ctx context.Context, maxLen int64) (int64, error) {
	if uc.deadLetters == nil {
		return 0, domain.ErrDeadLettersDisabled
	}
	if maxLen < 0 {
		maxLen = 0
	}
	return uc.deadLetters.Trim(ctx, maxLen)
}
