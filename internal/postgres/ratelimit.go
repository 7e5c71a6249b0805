package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/greenledger/internal/ratelimit"
)

// RateLimitStore implements ratelimit.Store on PostgreSQL. The upsert makes
// increment-and-reset one atomic statement, so concurrent requests for the
// same key cannot race a read-modify-write.
type RateLimitStore struct {
	db *pgxpool.Pool
}

// Compile-time check that RateLimitStore implements ratelimit.Store.
var _ ratelimit.Store = (*RateLimitStore)(nil)

// NewRateLimitStore creates a new PostgreSQL-backed counter store.
func NewRateLimitStore(db *pgxpool.Pool) *RateLimitStore {
	return &RateLimitStore{db: db}
}

// Increment bumps the counter for the current window, resetting it when the
// stored window is older.
func (s *RateLimitStore) Increment(ctx context.Context, key, operation string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO rate_limit_counters (key, operation, window_start, attempt_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (key, operation) DO UPDATE
		SET attempt_count = CASE
			WHEN rate_limit_counters.window_start = EXCLUDED.window_start
			THEN rate_limit_counters.attempt_count + 1
			ELSE 1
		END,
		window_start = EXCLUDED.window_start
		RETURNING attempt_count`,
		key, operation, windowStart).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
