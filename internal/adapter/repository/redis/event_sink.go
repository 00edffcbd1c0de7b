package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/pkg/retry"
)

// EventSink implements domain.BatchSink by appending events to a Redis stream.
// Downstream consumers read the stream; the sink itself never reads.
type EventSink struct {
	client    *redis.Client
	logger    *slog.Logger
	streamKey string
}

// NewEventSink creates a new Redis stream sink.
func NewEventSink(client *redis.Client, logger *slog.Logger, streamKey string) *EventSink {
	return &EventSink{
		client:    client,
		logger:    logger.With("component", "redis_sink"),
		streamKey: streamKey,
	}
}

// RecordEvent appends a single event to the stream.
func (s *EventSink) RecordEvent(ctx context.Context, event domain.Event) error {
	args, err := s.xaddArgs(event)
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to XADD to redis stream: %w", classify(err))
	}
	return nil
}

// RecordBatch appends all events in one pipeline round trip.
func (s *EventSink) RecordBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, event := range events {
		args, err := s.xaddArgs(event)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute XADD pipeline: %w", classify(err))
	}
	return nil
}

// Ping checks Redis reachability.
func (s *EventSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *EventSink) xaddArgs(event domain.Event) (*redis.XAddArgs, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"payload":    payload,
		},
	}, nil
}

// classify marks connection-level failures as retryable.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return retry.MarkTransient(err)
	}
	return err
}
