package mocks

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/V4T54L/beacon/internal/domain"
)

// MockEventSink is a mock implementation of domain.EventSink for testing.
// The first FailFirst calls return Err (or a generic connection error when Err is nil).
type MockEventSink struct {
	mu         sync.Mutex
	Recorded   []domain.Event
	Calls      int
	FailFirst  int
	Err        error
	PingErr    error
	RecordFunc func(ctx context.Context, event domain.Event) error
}

func (m *MockEventSink) RecordEvent(ctx context.Context, event domain.Event) error {
	m.mu.Lock()
	m.Calls++
	fn := m.RecordFunc
	err := m.failure()
	m.mu.Unlock()

	// RecordFunc runs unlocked so tests can block inside it.
	if fn != nil {
		err = fn(ctx, event)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recorded = append(m.Recorded, event)
	return nil
}

func (m *MockEventSink) failure() error {
	if m.FailFirst > 0 && m.Calls <= m.FailFirst {
		if m.Err != nil {
			return m.Err
		}
		return errors.New("connection refused")
	}
	if m.FailFirst == 0 && m.Err != nil {
		return m.Err
	}
	return nil
}

func (m *MockEventSink) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// SetErr changes the record error while the sink is in use.
func (m *MockEventSink) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// SetPingErr changes the ping error while the sink is in use.
func (m *MockEventSink) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingErr = err
}

// Events returns a copy of the recorded events.
func (m *MockEventSink) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.Recorded...)
}

// CallCount returns how many times the sink was invoked.
func (m *MockEventSink) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockBatchSink is a mock implementation of domain.BatchSink that records whole batches.
type MockBatchSink struct {
	MockEventSink
	Batches    [][]domain.Event
	BatchCalls int
}

func (m *MockBatchSink) RecordBatch(ctx context.Context, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCalls++
	m.Calls++
	if err := m.failure(); err != nil {
		return err
	}
	m.Batches = append(m.Batches, append([]domain.Event(nil), events...))
	m.Recorded = append(m.Recorded, events...)
	return nil
}

// RecordedBatches returns a copy of the delivered batches.
func (m *MockBatchSink) RecordedBatches() [][]domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]domain.Event(nil), m.Batches...)
}

// MockPinger is a mock implementation of domain.Pinger.
type MockPinger struct {
	Err error
}

func (m *MockPinger) Ping(ctx context.Context) error {
	return m.Err
}

type storedRow struct {
	id string
	at time.Time
}

// MockRetentionStore is an in-memory domain.RetentionStore keyed by category.
type MockRetentionStore struct {
	mu          sync.Mutex
	rows        map[string][]storedRow
	SelectCalls int
	DeleteCalls int
	// FailCategory makes every call touching that category return Err.
	FailCategory string
	Err          error
	PingErr      error
}

// NewMockRetentionStore creates an empty store.
func NewMockRetentionStore() *MockRetentionStore {
	return &MockRetentionStore{rows: make(map[string][]storedRow)}
}

// Seed inserts count rows into category, all timestamped at.
func (m *MockRetentionStore) Seed(category string, count int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.rows[category])
	for i := 0; i < count; i++ {
		m.rows[category] = append(m.rows[category], storedRow{
			id: category + "-" + strconv.Itoa(start+i),
			at: at.Add(time.Duration(i) * time.Millisecond),
		})
	}
}

// Len returns the number of rows left in category.
func (m *MockRetentionStore) Len(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[category])
}

func (m *MockRetentionStore) fail(category string) error {
	if m.FailCategory != "" && m.FailCategory == category {
		if m.Err != nil {
			return m.Err
		}
		return errors.New("relation does not exist")
	}
	return nil
}

func (m *MockRetentionStore) SelectExpiredIDs(ctx context.Context, category, dateColumn string, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SelectCalls++
	if err := m.fail(category); err != nil {
		return nil, err
	}
	expired := make([]storedRow, 0)
	for _, r := range m.rows[category] {
		if r.at.Before(cutoff) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].at.Before(expired[j].at) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]string, len(expired))
	for i, r := range expired {
		ids[i] = r.id
	}
	return ids, nil
}

func (m *MockRetentionStore) DeleteByIDs(ctx context.Context, category string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if err := m.fail(category); err != nil {
		return 0, err
	}
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}
	kept := m.rows[category][:0]
	var deleted int64
	for _, r := range m.rows[category] {
		if _, ok := remove[r.id]; ok {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.rows[category] = kept
	return deleted, nil
}

func (m *MockRetentionStore) CountExpired(ctx context.Context, category, dateColumn string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(category); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range m.rows[category] {
		if r.at.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MockRetentionStore) CountAll(ctx context.Context, category string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(category); err != nil {
		return 0, err
	}
	return int64(len(m.rows[category])), nil
}

func (m *MockRetentionStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// MockDeadLetterRepository is a mock implementation of domain.DeadLetterRepository.
type MockDeadLetterRepository struct {
	mu      sync.Mutex
	Letters []domain.DeadLetter
	PushErr error
}

func (m *MockDeadLetterRepository) Push(ctx context.Context, batch domain.Batch, attempts int, lastErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PushErr != nil {
		return m.PushErr
	}
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	m.Letters = append(m.Letters, domain.DeadLetter{
		ID:        strconv.Itoa(len(m.Letters) + 1),
		BatchID:   batch.ID,
		Events:    batch.Events,
		Attempts:  attempts,
		LastError: msg,
		FailedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *MockDeadLetterRepository) List(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(m.Letters))
	for i := len(m.Letters) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, m.Letters[i])
	}
	return out, nil
}

func (m *MockDeadLetterRepository) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.Letters)), nil
}

func (m *MockDeadLetterRepository) Trim(ctx context.Context, maxLen int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excess := int64(len(m.Letters)) - maxLen
	if excess <= 0 {
		return 0, nil
	}
	m.Letters = m.Letters[excess:]
	return excess, nil
}

// MockAdminKeyRepository is a mock implementation of domain.AdminKeyRepository.
type MockAdminKeyRepository struct {
	ValidKeys map[string]bool
	Err       error
}

func (m *MockAdminKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	return m.ValidKeys[key], nil
}
