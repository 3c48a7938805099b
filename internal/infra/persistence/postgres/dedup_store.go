package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/dedup"
)

// DedupStore persists processed-event claims in Postgres. The claim upsert is
// a single conditional statement, so concurrent workers racing on the same
// event id resolve to exactly one winner inside the database.
type DedupStore struct {
	pool *pgxpool.Pool
}

// NewDedupStore constructs a DedupStore backed by the provided pool.
func NewDedupStore(pool *pgxpool.Pool) *DedupStore {
	return &DedupStore{pool: pool}
}

const (
	// The DO UPDATE arm fires only for expired claims, which is the stale
	// reclaim path. A live claim or a completed record leaves the row
	// untouched and returns nothing.
	dedupClaimSQL = `
INSERT INTO processed_events (event_id, state, claimed_at, expires_at, applied_scopes)
VALUES (@event_id, 'claimed', NOW(), NOW() + make_interval(secs => @ttl_seconds), '{}')
ON CONFLICT (event_id) DO UPDATE
SET claimed_at = NOW(), expires_at = NOW() + make_interval(secs => @ttl_seconds)
WHERE processed_events.state = 'claimed' AND processed_events.expires_at <= NOW()
RETURNING applied_scopes;
`

	dedupStateSQL = `
SELECT state FROM processed_events WHERE event_id = @event_id;
`

	dedupMarkAppliedSQL = `
UPDATE processed_events
SET applied_scopes = array_append(applied_scopes, @scope_key)
WHERE event_id = @event_id AND NOT (applied_scopes @> ARRAY[@scope_key]::text[]);
`

	dedupCompleteSQL = `
INSERT INTO processed_events (event_id, state, claimed_at, expires_at, applied_scopes)
VALUES (@event_id, 'completed', NOW(), NOW() + make_interval(secs => @retention_seconds), '{}')
ON CONFLICT (event_id) DO UPDATE
SET state = 'completed', expires_at = NOW() + make_interval(secs => @retention_seconds);
`

	dedupReleaseSQL = `
UPDATE processed_events
SET expires_at = NOW()
WHERE event_id = @event_id AND state = 'claimed';
`

	dedupPurgeSQL = `
DELETE FROM processed_events
WHERE event_id IN (
    SELECT event_id FROM processed_events
    WHERE state = 'completed' AND expires_at <= NOW()
    LIMIT @batch_limit
);
`
)

func (s *DedupStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dedup store: nil pool")
	}
	return s.pool, nil
}

// Claim implements dedup.Store.
func (s *DedupStore) Claim(ctx context.Context, eventID string, ttl time.Duration) (dedup.Claim, error) {
	if eventID == "" {
		return dedup.Claim{}, errs.New("postgres/dedup", errs.CodeInvalid, errs.WithMessage("eventID required"))
	}
	if ttl <= 0 {
		return dedup.Claim{}, errs.New("postgres/dedup", errs.CodeInvalid, errs.WithMessage("ttl must be positive"))
	}
	pool, err := s.ensurePool()
	if err != nil {
		return dedup.Claim{}, err
	}

	args := pgx.NamedArgs{"event_id": eventID, "ttl_seconds": ttl.Seconds()}
	var appliedScopes []string
	err = pool.QueryRow(ctx, dedupClaimSQL, args).Scan(&appliedScopes)
	if err == nil {
		return dedup.Claim{Status: dedup.ClaimAcquired, AppliedScopes: appliedScopes}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return dedup.Claim{}, wrapUnavailable("postgres/dedup", "claim event", eventID, err)
	}

	// The upsert matched an existing record it could not take over. Separate
	// lookup distinguishes a finished event from a live competing claim; a
	// record purged in between reads as contended, which only costs a retry.
	var state string
	err = pool.QueryRow(ctx, dedupStateSQL, pgx.NamedArgs{"event_id": eventID}).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return dedup.Claim{Status: dedup.ClaimContended}, nil
	}
	if err != nil {
		return dedup.Claim{}, wrapUnavailable("postgres/dedup", "read claim state", eventID, err)
	}
	if state == string(dedup.StateCompleted) {
		return dedup.Claim{Status: dedup.ClaimCompleted}, nil
	}
	return dedup.Claim{Status: dedup.ClaimContended}, nil
}

// MarkApplied implements dedup.Store.
func (s *DedupStore) MarkApplied(ctx context.Context, eventID, scopeKey string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	args := pgx.NamedArgs{"event_id": eventID, "scope_key": scopeKey}
	tag, err := pool.Exec(ctx, dedupMarkAppliedSQL, args)
	if err != nil {
		return wrapUnavailable("postgres/dedup", "mark applied", eventID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// No row changed: either the scope is already recorded (idempotent) or
	// the record is gone entirely.
	var state string
	err = pool.QueryRow(ctx, dedupStateSQL, pgx.NamedArgs{"event_id": eventID}).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New("postgres/dedup", errs.CodeNotFound, errs.WithEventID(eventID))
	}
	if err != nil {
		return wrapUnavailable("postgres/dedup", "read claim state", eventID, err)
	}
	return nil
}

// Complete implements dedup.Store. Completing an unknown event recreates the
// record so the call stays idempotent across a purge race.
func (s *DedupStore) Complete(ctx context.Context, eventID string, retention time.Duration) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{"event_id": eventID, "retention_seconds": retention.Seconds()}
	if _, err := pool.Exec(ctx, dedupCompleteSQL, args); err != nil {
		return wrapUnavailable("postgres/dedup", "complete event", eventID, err)
	}
	return nil
}

// Release implements dedup.Store. Applied scopes survive the release so the
// redelivered attempt resumes where this one stopped.
func (s *DedupStore) Release(ctx context.Context, eventID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, dedupReleaseSQL, pgx.NamedArgs{"event_id": eventID}); err != nil {
		return wrapUnavailable("postgres/dedup", "release claim", eventID, err)
	}
	return nil
}

// PurgeExpired implements dedup.Store.
func (s *DedupStore) PurgeExpired(ctx context.Context, limit int) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 500
	}
	tag, err := pool.Exec(ctx, dedupPurgeSQL, pgx.NamedArgs{"batch_limit": limit})
	if err != nil {
		return 0, wrapUnavailable("postgres/dedup", "purge expired", "", err)
	}
	return int(tag.RowsAffected()), nil
}

func wrapUnavailable(component, action, eventID string, cause error) error {
	opts := []errs.Option{errs.WithMessage(action), errs.WithCause(cause)}
	if eventID != "" {
		opts = append(opts, errs.WithEventID(eventID))
	}
	return errs.New(component, errs.CodeUnavailable, opts...)
}

var _ dedup.Store = (*DedupStore)(nil)
