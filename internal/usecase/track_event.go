package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
	"github.com/V4T54L/beacon/internal/adapter/pii"
	"github.com/V4T54L/beacon/internal/domain"
)

// EventQueue is the part of the batch queue the track use case hands events to.
type EventQueue interface {
	AddEvent(ctx context.Context, event domain.Event) AddResult
}

// TrackEventUseCase handles the business logic for accepting a telemetry event.
type TrackEventUseCase struct {
	queue    EventQueue
	redactor *pii.Redactor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewTrackEventUseCase creates a new TrackEventUseCase.
func NewTrackEventUseCase(queue EventQueue, redactor *pii.Redactor, logger *slog.Logger, m *metrics.Metrics) *TrackEventUseCase {
	return &TrackEventUseCase{
		queue:    queue,
		redactor: redactor,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Track validates, enriches, redacts, and queues an event. Only validation errors are
// returned; delivery problems are absorbed by the queue and reported in the result.
func (uc *TrackEventUseCase) Track(ctx context.Context, event *domain.Event) (AddResult, error) {
	// 1. Validate
	if err := event.Validate(); err != nil {
		uc.metrics.TrackEvent("invalid", 1)
		return "", err
	}

	// 2. Enrich with server-side data
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = uc.now().UTC()
	}

	// 3. Redact PII
	if err := uc.redactor.Redact(event); err != nil {
		uc.logger.Warn("failed to redact PII, dropping properties", "error", err, "event_id", event.ID)
		event.Properties = nil
	}

	// 4. Queue
	return uc.queue.AddEvent(ctx, *event), nil
}
