// Package postgres provides pgx-backed implementations of the pipeline stores.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed pipeline repositories over one pool.
type Store struct {
	*persistence.Store

	Metrics     *MetricsStore
	Dedup       *DedupStore
	DeadLetters *DeadLetterStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:       persistence.NewStore(pool),
		Metrics:     NewMetricsStore(pool),
		Dedup:       NewDedupStore(pool),
		DeadLetters: NewDeadLetterStore(pool),
	}
}
