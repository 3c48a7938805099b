// Package persistence exposes shared wiring for database-backed repositories.
package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/errs"
)

// Store coordinates database-backed repositories. Concrete implementations live
// in subpackages (e.g. postgres).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool for repository implementations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping verifies database connectivity for readiness probes. A worker whose
// stores are unreachable can only retry, so surfacing the outage here lets
// the probe pull it out of rotation instead.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errs.New("persistence", errs.CodeUnavailable, errs.WithMessage("pool not configured"))
	}
	if err := s.pool.Ping(ctx); err != nil {
		return errs.New("persistence", errs.CodeUnavailable,
			errs.WithMessage("database unreachable"), errs.WithCause(err))
	}
	return nil
}
