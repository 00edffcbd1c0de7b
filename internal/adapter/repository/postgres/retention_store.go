package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// RetentionStore implements domain.RetentionStore for PostgreSQL tables.
// Category and column names are quoted with pq.QuoteIdentifier; callers still
// validate them before they reach the store.
type RetentionStore struct {
	db *sql.DB
}

// NewRetentionStore creates a new PostgreSQL retention store.
func NewRetentionStore(db *sql.DB) *RetentionStore {
	return &RetentionStore{db: db}
}

// SelectExpiredIDs returns up to limit ids older than cutoff, oldest first.
func (s *RetentionStore) SelectExpiredIDs(ctx context.Context, category, dateColumn string, cutoff time.Time, limit int) ([]string, error) {
	query := fmt.Sprintf(`SELECT id::text FROM %s WHERE %s < $1 ORDER BY %s ASC LIMIT $2`,
		pq.QuoteIdentifier(category), pq.QuoteIdentifier(dateColumn), pq.QuoteIdentifier(dateColumn))

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired %s: %w", category, classify(err))
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s id: %w", category, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired %s: %w", category, classify(err))
	}
	return ids, nil
}

// DeleteByIDs deletes exactly the given ids.
func (s *RetentionStore) DeleteByIDs(ctx context.Context, category string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, deleteByIDsQuery(category), pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", category, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for %s: %w", category, err)
	}
	return n, nil
}

// deleteByIDsQuery compares the uuid column directly so the primary key index is used.
func deleteByIDsQuery(category string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1::uuid[])`, pq.QuoteIdentifier(category))
}

// CountExpired counts rows older than cutoff.
func (s *RetentionStore) CountExpired(ctx context.Context, category, dateColumn string, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s < $1`,
		pq.QuoteIdentifier(category), pq.QuoteIdentifier(dateColumn))
	var n int64
	if err := s.db.QueryRowContext(ctx, query, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count expired %s: %w", category, classify(err))
	}
	return n, nil
}

// CountAll counts every row in category.
func (s *RetentionStore) CountAll(ctx context.Context, category string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pq.QuoteIdentifier(category))
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", category, classify(err))
	}
	return n, nil
}

// Ping checks database reachability.
func (s *RetentionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
