package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags what happened in the web application.
type EventType string

const (
	EventPageView         EventType = "page_view"
	EventServiceView      EventType = "service_view"
	EventBookingStarted   EventType = "booking_started"
	EventBookingCompleted EventType = "booking_completed"
	EventBookingCancelled EventType = "booking_cancelled"
	EventSearch           EventType = "search"
	EventClick            EventType = "click"
	EventError            EventType = "error"
)

var knownEventTypes = map[EventType]struct{}{
	EventPageView:         {},
	EventServiceView:      {},
	EventBookingStarted:   {},
	EventBookingCompleted: {},
	EventBookingCancelled: {},
	EventSearch:           {},
	EventClick:            {},
	EventError:            {},
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

var (
	// ErrInvalidEvent is returned when an event fails validation.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrDeadLettersDisabled is returned when no dead-letter store is configured.
	ErrDeadLettersDisabled = errors.New("dead-letter store is not configured")
)

// EventContext describes the caller that produced an event.
type EventContext struct {
	IP        string  `json:"ip"`
	UserID    *string `json:"user_id,omitempty"`
	UserAgent string  `json:"user_agent,omitempty"`
}

// Event is a single telemetry record. It is treated as immutable once queued.
type Event struct {
	ID          string          `json:"event_id"`
	SessionID   string          `json:"session_id"`
	Type        EventType       `json:"event_type"`
	Context     EventContext    `json:"context"`
	ServiceID   string          `json:"service_id,omitempty"`
	BookingID   string          `json:"booking_id,omitempty"`
	Duration    *float64        `json:"duration,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PIIRedacted bool            `json:"pii_redacted,omitempty"`
}

// Validate checks the fields every event must carry. A client-supplied ID must be a
// UUID since it becomes the stored primary key.
func (e *Event) Validate() error {
	if e.ID != "" {
		if _, err := uuid.Parse(e.ID); err != nil || len(e.ID) != 36 {
			return fmt.Errorf("%w: event_id must be a UUID", ErrInvalidEvent)
		}
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.Type)
	}
	if e.Duration != nil && *e.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidEvent)
	}
	return nil
}

// Batch is an ordered snapshot of events captured from the live queue at flush time.
// Events must not be modified after construction; only RetryCount changes.
type Batch struct {
	ID         string    `json:"batch_id"`
	Events     []Event   `json:"events"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
}

// NewBatch builds a batch id from a per-process sequence number and the creation time.
func NewBatch(seq uint64, events []Event, now time.Time) *Batch {
	return &Batch{
		ID:        fmt.Sprintf("batch-%d-%d", seq, now.UnixMilli()),
		Events:    events,
		CreatedAt: now,
	}
}

// DeadLetter is a batch that exhausted its delivery attempts.
type DeadLetter struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id"`
	Events    []Event   `json:"events"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}
