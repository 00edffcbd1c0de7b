package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/pkg/retry"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(id string) domain.Event {
	return domain.Event{
		ID:         id,
		SessionID:  "sess-1",
		Type:       domain.EventPageView,
		Context:    domain.EventContext{IP: "10.0.0.1"},
		Properties: json.RawMessage(`{"path":"/spa"}`),
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEventSink_RecordEvent(t *testing.T) {
	mr, client := newTestClient(t)
	sink := NewEventSink(client, discardLogger(), "events")
	ctx := context.Background()

	require.NoError(t, sink.RecordEvent(ctx, testEvent("e1")))
	require.NoError(t, sink.Ping(ctx))

	msgs, err := client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "e1", msgs[0].Values["event_id"])
	assert.Equal(t, "page_view", msgs[0].Values["event_type"])

	var got domain.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &got))
	assert.Equal(t, "sess-1", got.SessionID)

	mr.Close()
	err = sink.RecordEvent(ctx, testEvent("e2"))
	require.Error(t, err)
	assert.True(t, retry.New(retry.Options{MaxRetries: 1}).IsRetryable(err))
}

func TestEventSink_RecordBatch(t *testing.T) {
	_, client := newTestClient(t)
	sink := NewEventSink(client, discardLogger(), "events")
	ctx := context.Background()

	require.NoError(t, sink.RecordBatch(ctx, nil))
	require.NoError(t, sink.RecordBatch(ctx, []domain.Event{testEvent("a"), testEvent("b"), testEvent("c")}))

	msgs, err := client.XRange(ctx, "events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, msgs[i].Values["event_id"], "stream order must follow batch order")
	}
}

func TestDeadLetterRepository(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewDeadLetterRepository(client, discardLogger(), "dlq", 3)
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3", "b4"} {
		batch := domain.Batch{ID: id, Events: []domain.Event{testEvent(id + "-e")}}
		require.NoError(t, repo.Push(ctx, batch, i+1, errors.New("sink down")))
	}

	n, err := repo.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "stream is capped at maxLen")

	letters, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 3)
	assert.Equal(t, "b4", letters[0].BatchID, "newest first")
	assert.Equal(t, "b2", letters[2].BatchID)
	assert.Equal(t, 4, letters[0].Attempts)
	assert.Equal(t, "sink down", letters[0].LastError)
	require.Len(t, letters[0].Events, 1)
	assert.Equal(t, "b4-e", letters[0].Events[0].ID)
	assert.False(t, letters[0].FailedAt.IsZero())

	removed, err := repo.Trim(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	letters, err = repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "b4", letters[0].BatchID)
}

func TestDeadLetterRepository_SkipsMalformed(t *testing.T) {
	_, client := newTestClient(t)
	repo := NewDeadLetterRepository(client, discardLogger(), "dlq", 10)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "dlq", Values: map[string]interface{}{"batch_id": "bad"}}).Err())
	require.NoError(t, repo.Push(ctx, domain.Batch{ID: "good"}, 3, nil))

	letters, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "good", letters[0].BatchID)
	assert.Empty(t, letters[0].LastError)
}
