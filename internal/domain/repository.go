package domain

import (
	"context"
	"time"
)

// EventSink is the downstream system that durably records events.
// RecordEvent must return an error on transient failure so callers can retry.
type EventSink interface {
	RecordEvent(ctx context.Context, event Event) error
}

// BatchSink is implemented by sinks that can record a whole batch as one unit.
// When a sink implements it, the batch queue hands over the batch in a single call
// instead of fanning out one RecordEvent per event.
type BatchSink interface {
	EventSink
	RecordBatch(ctx context.Context, events []Event) error
}

// Pinger is implemented by dependencies that support a lightweight reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RetentionStore is the storage layer the retention manager deletes from.
// category and dateColumn must be validated identifiers (see RetentionPolicy.Validate).
type RetentionStore interface {
	// SelectExpiredIDs returns up to limit ids older than cutoff, oldest first.
	SelectExpiredIDs(ctx context.Context, category, dateColumn string, cutoff time.Time, limit int) ([]string, error)

	// DeleteByIDs deletes exactly the given ids and returns the number removed.
	DeleteByIDs(ctx context.Context, category string, ids []string) (int64, error)

	// CountExpired counts rows older than cutoff without deleting them.
	CountExpired(ctx context.Context, category, dateColumn string, cutoff time.Time) (int64, error)

	// CountAll counts every row in the category.
	CountAll(ctx context.Context, category string) (int64, error)
}

// DeadLetterRepository keeps batches that exhausted their delivery attempts.
type DeadLetterRepository interface {
	// Push stores a failed batch.
	Push(ctx context.Context, batch Batch, attempts int, lastErr error) error

	// List returns up to count dead letters, newest first.
	List(ctx context.Context, count int64) ([]DeadLetter, error)

	// Len returns the number of stored dead letters.
	Len(ctx context.Context) (int64, error)

	// Trim keeps at most maxLen dead letters and returns how many were removed.
	Trim(ctx context.Context, maxLen int64) (int64, error)
}

// AdminKeyRepository validates keys presented to the operational API.
// Implementations should handle caching to reduce database load.
type AdminKeyRepository interface {
	IsValid(ctx context.Context, key string) (bool, error)
}
