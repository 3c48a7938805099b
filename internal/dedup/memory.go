package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/campaignkit/metricspipe/errs"
)

// MemoryStore is an in-process Store used by tests and local runs. It mirrors
// the conditional-write semantics of the persistent implementation: a claim
// succeeds only if the record is absent, expired, or already released.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryStore constructs an empty in-memory dedup store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string]*Record)
	store.clock = time.Now
	return store
}

// WithClock overrides the internal clock, primarily for testing TTL expiry.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock == nil {
		s.clock = time.Now
	} else {
		s.clock = clock
	}
	return s
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, eventID string, ttl time.Duration) (Claim, error) {
	if eventID == "" {
		return Claim{}, errs.New("dedup/memory", errs.CodeInvalid, errs.WithMessage("eventID required"))
	}
	if ttl <= 0 {
		return Claim{}, errs.New("dedup/memory", errs.CodeInvalid, errs.WithMessage("ttl must be positive"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	record, ok := s.records[eventID]
	if !ok {
		s.records[eventID] = &Record{
			EventID:   eventID,
			State:     StateClaimed,
			ClaimedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		return Claim{Status: ClaimAcquired}, nil
	}

	switch record.State {
	case StateCompleted:
		return Claim{Status: ClaimCompleted}, nil
	case StateClaimed:
		if record.ExpiresAt.After(now) {
			return Claim{Status: ClaimContended}, nil
		}
		record.ClaimedAt = now
		record.ExpiresAt = now.Add(ttl)
		return Claim{Status: ClaimAcquired, AppliedScopes: cloneScopes(record.AppliedScopes)}, nil
	default:
		return Claim{}, errs.New("dedup/memory", errs.CodeUnavailable,
			errs.WithEventID(eventID), errs.WithMessage("corrupt record state"))
	}
}

// MarkApplied implements Store.
func (s *MemoryStore) MarkApplied(_ context.Context, eventID, scopeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[eventID]
	if !ok {
		return errs.New("dedup/memory", errs.CodeNotFound, errs.WithEventID(eventID))
	}
	for _, existing := range record.AppliedScopes {
		if existing == scopeKey {
			return nil
		}
	}
	record.AppliedScopes = append(record.AppliedScopes, scopeKey)
	return nil
}

// Complete implements Store. Completing an unknown event creates the
// completed record so the call stays idempotent across a purge race.
func (s *MemoryStore) Complete(_ context.Context, eventID string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	record, ok := s.records[eventID]
	if !ok {
		record = &Record{EventID: eventID, ClaimedAt: now}
		s.records[eventID] = record
	}
	record.State = StateCompleted
	record.ExpiresAt = now.Add(retention)
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[eventID]
	if !ok || record.State != StateClaimed {
		return nil
	}
	record.ExpiresAt = s.clock()
	return nil
}

// PurgeExpired implements Store.
func (s *MemoryStore) PurgeExpired(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	purged := 0
	for id, record := range s.records {
		if limit > 0 && purged >= limit {
			break
		}
		if record.State == StateCompleted && !record.ExpiresAt.After(now) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

// Snapshot returns a copy of the record for eventID, if present. Test helper.
func (s *MemoryStore) Snapshot(eventID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[eventID]
	if !ok {
		return Record{}, false
	}
	copied := *record
	copied.AppliedScopes = cloneScopes(record.AppliedScopes)
	return copied, true
}

func cloneScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, len(scopes))
	copy(out, scopes)
	return out
}

var _ Store = (*MemoryStore)(nil)
