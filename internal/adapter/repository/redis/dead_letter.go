package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/beacon/internal/domain"
)

// DeadLetterRepository implements domain.DeadLetterRepository with a capped Redis stream.
// The stream is capped at maxLen on every push.
type DeadLetterRepository struct {
	client    *redis.Client
	logger    *slog.Logger
	clock     quartz.Clock
	streamKey string
	maxLen    int64
}

// NewDeadLetterRepository creates a dead-letter store backed by streamKey.
func NewDeadLetterRepository(client *redis.Client, logger *slog.Logger, streamKey string, maxLen int64) *DeadLetterRepository {
	return &DeadLetterRepository{
		client:    client,
		logger:    logger.With("component", "dead_letters"),
		clock:     quartz.NewReal(),
		streamKey: streamKey,
		maxLen:    maxLen,
	}
}

// Push stores a batch that exhausted its delivery attempts.
func (r *DeadLetterRepository) Push(ctx context.Context, batch domain.Batch, attempts int, lastErr error) error {
	events, err := json.Marshal(batch.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter events: %w", err)
	}
	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}

	args := &redis.XAddArgs{
		Stream: r.streamKey,
		MaxLen: r.maxLen,
		Values: map[string]interface{}{
			"batch_id":   batch.ID,
			"events":     events,
			"attempts":   attempts,
			"last_error": errText,
			"failed_at":  r.clock.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD dead letter: %w", err)
	}
	r.logger.Warn("Moved batch to dead letters", "batch_id", batch.ID, "events", len(batch.Events), "attempts", attempts)
	return nil
}

// List returns up to count dead letters, newest first.
func (r *DeadLetterRepository) List(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.streamKey, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to XREVRANGE dead letters: %w", err)
	}

	letters := make([]domain.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		letter, err := decodeDeadLetter(msg)
		if err != nil {
			r.logger.Warn("Skipping malformed dead letter", "message_id", msg.ID, "error", err)
			continue
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Len returns the number of stored dead letters.
func (r *DeadLetterRepository) Len(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, r.streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to XLEN dead letters: %w", err)
	}
	return n, nil
}

// Trim keeps at most maxLen dead letters, oldest removed first.
func (r *DeadLetterRepository) Trim(ctx context.Context, maxLen int64) (int64, error) {
	n, err := r.client.XTrimMaxLen(ctx, r.streamKey, maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to XTRIM dead letters: %w", err)
	}
	return n, nil
}

func decodeDeadLetter(msg redis.XMessage) (domain.DeadLetter, error) {
	letter := domain.DeadLetter{ID: msg.ID}

	letter.BatchID, _ = msg.Values["batch_id"].(string)
	letter.LastError, _ = msg.Values["last_error"].(string)

	payload, ok := msg.Values["events"].(string)
	if !ok {
		return letter, fmt.Errorf("missing events field")
	}
	if err := json.Unmarshal([]byte(payload), &letter.Events); err != nil {
		return letter, fmt.Errorf("unmarshal events: %w", err)
	}

	if s, ok := msg.Values["attempts"].(string); ok {
		letter.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := msg.Values["failed_at"].(string); ok {
		letter.FailedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return letter, nil
}
