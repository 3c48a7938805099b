// Package dedup defines the processed-event store used to guarantee
// effectively-once aggregation on top of at-least-once delivery.
package dedup

import (
	"context"
	"time"
)

// ClaimStatus reports the outcome of a claim attempt.
type ClaimStatus string

const (
	// ClaimAcquired means this worker owns processing rights until the TTL elapses.
	ClaimAcquired ClaimStatus = "acquired"
	// ClaimContended means another worker holds an unexpired claim.
	ClaimContended ClaimStatus = "contended"
	// ClaimCompleted means the event was already aggregated; skip and ack.
	ClaimCompleted ClaimStatus = "completed"
)

// Claim is the result of a successful or rejected claim attempt.
type Claim struct {
	Status ClaimStatus
	// AppliedScopes lists scope target keys already aggregated under an
	// earlier claim of the same event. A reclaiming worker skips these so a
	// partially applied multi-scope event is never double-counted.
	AppliedScopes []string
}

// State is the lifecycle state of a processed-event record.
type State string

const (
	// StateClaimed marks a record owned by a worker until its TTL expires.
	StateClaimed State = "claimed"
	// StateCompleted marks a fully aggregated event; retained to absorb
	// late redeliveries until the retention window lapses.
	StateCompleted State = "completed"
)

// Record is one processed-event row.
type Record struct {
	EventID       string
	State         State
	ClaimedAt     time.Time
	ExpiresAt     time.Time
	AppliedScopes []string
}

// Store provides the atomic claim/complete primitives over processed-event
// records. Implementations must make Claim an atomic put-if-absent-or-expired
// so concurrent workers cannot both acquire the same event.
type Store interface {
	// Claim attempts to take ownership of eventID for ttl. A stale claim
	// (expired, never completed) is reclaimable by any worker; its applied
	// scopes survive the reclaim.
	Claim(ctx context.Context, eventID string, ttl time.Duration) (Claim, error)

	// MarkApplied records that the delta was summed into the given scope
	// target under the current claim.
	MarkApplied(ctx context.Context, eventID, scopeKey string) error

	// Complete transitions the record to StateCompleted and schedules its
	// expiry after retention. Idempotent; safe to call more than once.
	Complete(ctx context.Context, eventID string, retention time.Duration) error

	// Release makes a held claim immediately reclaimable without discarding
	// applied-scope progress. Used when a transient failure means redelivery
	// should retry sooner than the claim TTL.
	Release(ctx context.Context, eventID string) error

	// PurgeExpired deletes at most limit completed records whose retention
	// lapsed, returning the number removed. The queue stops redelivering
	// acknowledged messages, so dropping completed records is safe.
	PurgeExpired(ctx context.Context, limit int) (int, error)
}
