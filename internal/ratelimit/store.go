package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps window counters in postgres. The single upsert statement is
// the read-modify-write primitive; there is no check-then-increment race.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Incr(ctx context.Context, integrationID string, windowStart time.Time, windowSeconds int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO eventgate.rate_windows(integration_id, window_start, expires_at, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (integration_id, window_start)
		DO UPDATE SET count = eventgate.rate_windows.count + 1
		RETURNING count`,
		integrationID, windowStart, windowStart.Add(2*time.Duration(windowSeconds)*time.Second),
	).Scan(&count)
	return count, err
}

// Purge drops expired windows; the sweeper calls this periodically.
func (s *PGStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM eventgate.rate_windows WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// MemStore is the in-process fallback used by tests and single-node runs.
type MemStore struct {
	mu      sync.Mutex
	windows map[memKey]int
}

type memKey struct {
	integrationID string
	windowStart   int64
}

func NewMemStore() *MemStore {
	return &MemStore{windows: make(map[memKey]int)}
}

func (s *MemStore) Incr(_ context.Context, integrationID string, windowStart time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey{integrationID: integrationID, windowStart: windowStart.Unix()}
	s.windows[k]++
	return s.windows[k], nil
}
