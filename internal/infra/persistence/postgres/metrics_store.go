package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/metricstore"
	"github.com/campaignkit/metricspipe/internal/schema"
)

// MetricsStore persists scoped counter documents with optimistic concurrency.
type MetricsStore struct {
	pool *pgxpool.Pool
}

// NewMetricsStore constructs a MetricsStore backed by the provided pool.
func NewMetricsStore(pool *pgxpool.Pool) *MetricsStore {
	return &MetricsStore{pool: pool}
}

const (
	metricsSelectSQL = `
SELECT version, counters, last_updated_at
FROM metrics_documents
WHERE scope = @scope AND scope_id = @scope_id;
`

	metricsInsertSQL = `
INSERT INTO metrics_documents (scope, scope_id, version, counters, last_updated_at)
VALUES (@scope, @scope_id, 1, @counters::jsonb, NOW())
ON CONFLICT (scope, scope_id) DO NOTHING;
`

	metricsUpdateSQL = `
UPDATE metrics_documents
SET counters = @counters::jsonb,
    version = version + 1,
    last_updated_at = NOW()
WHERE scope = @scope AND scope_id = @scope_id AND version = @expected;
`
)

func (s *MetricsStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("metrics store: nil pool")
	}
	return s.pool, nil
}

// Get implements metricstore.Store. An absent document is reported as a
// zero-valued document at version 0 so callers can start the first write.
func (s *MetricsStore) Get(ctx context.Context, scope schema.Scope, scopeID string) (metricstore.Document, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return metricstore.Document{}, false, err
	}

	args := pgx.NamedArgs{"scope": string(scope), "scope_id": scopeID}
	var (
		version       int64
		counterBytes  []byte
		lastUpdatedAt time.Time
	)
	err = pool.QueryRow(ctx, metricsSelectSQL, args).Scan(&version, &counterBytes, &lastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return metricstore.Zero(scope, scopeID), false, nil
	}
	if err != nil {
		return metricstore.Document{}, false, fmt.Errorf("metrics store: select document: %w", err)
	}

	var counters schema.CounterSet
	if err := json.Unmarshal(counterBytes, &counters); err != nil {
		return metricstore.Document{}, false, fmt.Errorf("metrics store: decode counters: %w", err)
	}

	doc := metricstore.Document{
		Scope:         scope,
		ScopeID:       scopeID,
		Version:       version,
		LastUpdatedAt: lastUpdatedAt,
		Counters:      counters,
	}
	return doc, true, nil
}

// ConditionalPut implements metricstore.Store. The write succeeds only when
// the stored version still equals expectedVersion; a lost race surfaces as
// errs.CodeConflict for the aggregator's re-read loop.
func (s *MetricsStore) ConditionalPut(ctx context.Context, doc metricstore.Document, expectedVersion int64) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	counterBytes, err := json.Marshal(doc.Counters)
	if err != nil {
		return fmt.Errorf("metrics store: encode counters: %w", err)
	}

	args := pgx.NamedArgs{
		"scope":    string(doc.Scope),
		"scope_id": doc.ScopeID,
		"counters": counterBytes,
		"expected": expectedVersion,
	}

	query := metricsUpdateSQL
	if expectedVersion == 0 {
		query = metricsInsertSQL
	}
	tag, err := pool.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("metrics store: put document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/metrics", errs.CodeConflict,
			errs.WithField("scope", string(doc.Scope)),
			errs.WithField("scope_id", doc.ScopeID),
			errs.WithMessage("version mismatch"))
	}
	return nil
}

var _ metricstore.Store = (*MetricsStore)(nil)
