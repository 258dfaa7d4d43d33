package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the control plane using the
// global connection pool. Grounded on the teacher's pkg/apikey.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying connection pool for callers, such as
// pkg/slot, that need to run a single-statement query directly.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
