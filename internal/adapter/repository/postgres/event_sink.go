package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/V4T54L/beacon/internal/domain"
)

const eventsTableName = "analytics_events"

const insertEventQuery = `
	INSERT INTO analytics_events (id, session_id, event_type, ip, user_id, user_agent, service_id, booking_id, duration, properties, occurred_at, pii_redacted)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

// EventSink implements domain.BatchSink for PostgreSQL.
// Inserts are idempotent on the event id, so a retried batch does not duplicate rows.
type EventSink struct {
	db      *sql.DB
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewEventSink creates a new PostgreSQL event sink. When maxWritesPerSec is positive,
// writes are throttled to that many statements per second.
func NewEventSink(db *sql.DB, logger *slog.Logger, maxWritesPerSec int) *EventSink {
	s := &EventSink{db: db, logger: logger.With("component", "postgres_sink")}
	if maxWritesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxWritesPerSec), maxWritesPerSec)
	}
	return s
}

func (s *EventSink) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// RecordEvent inserts a single event.
func (s *EventSink) RecordEvent(ctx context.Context, event domain.Event) error {
	if err := s.throttle(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertEventQuery, eventArgs(event)...)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, classify(err))
	}
	return nil
}

// RecordBatch writes a batch of events using the COPY protocol. Rows are staged in a
// temporary table and merged so that re-sent events are ignored.
func (s *EventSink) RecordBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.throttle(ctx); err != nil {
		return err
	}

	if err := s.copyBatch(ctx, events); err != nil {
		return fmt.Errorf("copy batch of %d events: %w", len(events), classify(err))
	}
	return nil
}

func (s *EventSink) copyBatch(ctx context.Context, events []domain.Event) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	tempTableName := eventsTableName + "_import"
	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+tempTableName+` (LIKE `+eventsTableName+` INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return err
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(tempTableName,
		"id", "session_id", "event_type", "ip", "user_id", "user_agent",
		"service_id", "booking_id", "duration", "properties", "occurred_at", "pii_redacted"))
	if err != nil {
		return err
	}

	for _, event := range events {
		if _, err = stmt.ExecContext(ctx, eventArgs(event)...); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	// Flush the COPY buffer.
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	_, err = txn.ExecContext(ctx, `
		INSERT INTO `+eventsTableName+`
		SELECT * FROM `+tempTableName+`
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}

	return txn.Commit()
}

// Ping checks database reachability.
func (s *EventSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func eventArgs(e domain.Event) []any {
	var props any
	if len(e.Properties) > 0 {
		props = string(e.Properties)
	}
	return []any{
		e.ID,
		e.SessionID,
		string(e.Type),
		nullString(e.Context.IP),
		e.Context.UserID,
		nullString(e.Context.UserAgent),
		nullString(e.ServiceID),
		nullString(e.BookingID),
		e.Duration,
		props,
		e.OccurredAt,
		e.PIIRedacted,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
