package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/V4T54L/beacon/internal/adapter/metrics"
)

type cacheEntry struct {
	isValid   bool
	expiresAt time.Time
}

// AdminKeyRepository implements domain.AdminKeyRepository using PostgreSQL
// as the source of truth and an in-memory, time-based cache.
type AdminKeyRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	clock    quartz.Clock
	cache    map[string]cacheEntry
	mu       sync.RWMutex
	cacheTTL time.Duration
	metrics  *metrics.Metrics
}

// NewAdminKeyRepository creates a new PostgreSQL admin key repository.
func NewAdminKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.Metrics) *AdminKeyRepository {
	return &AdminKeyRepository{
		db:       db,
		logger:   logger.With("component", "admin_keys"),
		clock:    quartz.NewReal(),
		cache:    make(map[string]cacheEntry),
		cacheTTL: cacheTTL,
		metrics:  m,
	}
}

// IsValid checks if an admin key is valid. It first checks the local cache and falls
// back to the database if the key is not cached or the entry has expired.
func (r *AdminKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	if valid, ok := r.cached(key); ok {
		r.metrics.AdminKeyCache(true)
		return valid, nil
	}
	r.metrics.AdminKeyCache(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have populated the entry while we waited for the lock.
	if entry, found := r.cache[key]; found && r.clock.Now().Before(entry.expiresAt) {
		return entry.isValid, nil
	}

	var isValid bool
	query := `SELECT EXISTS(SELECT 1 FROM api_keys WHERE key = $1 AND is_active = true AND (expires_at IS NULL OR expires_at > NOW()))`
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&isValid); err != nil {
		r.logger.Error("failed to validate admin key in database", "error", err)
		// Errors are not cached; the next request goes back to the database.
		return false, err
	}

	r.cache[key] = cacheEntry{
		isValid:   isValid,
		expiresAt: r.clock.Now().Add(r.cacheTTL),
	}
	return isValid, nil
}

func (r *AdminKeyRepository) cached(key string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, found := r.cache[key]
	if !found || !r.clock.Now().Before(entry.expiresAt) {
		return false, false
	}
	return entry.isValid, true
}
