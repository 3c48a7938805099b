package metricstore

import (
	"context"
	"sync"
	"time"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/schema"
)

// MemoryStore is an in-process Store for tests and local runs. Conflict
// injection lets tests exercise the aggregator's retry loop deterministically.
type MemoryStore struct {
	mu    sync.Mutex
	docs  map[string]Document
	clock func() time.Time

	// conflictsToInject forces the next N conditional puts to fail with a
	// version conflict even when the version matches.
	conflictsToInject int
}

// NewMemoryStore constructs an empty in-memory metrics store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.docs = make(map[string]Document)
	store.clock = time.Now
	return store
}

// WithClock overrides the internal clock, primarily for testing.
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

// InjectConflicts makes the next n conditional puts lose their version race.
func (s *MemoryStore) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictsToInject = n
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, scope schema.Scope, scopeID string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docKey(scope, scopeID)]
	if !ok {
		return Zero(scope, scopeID), false, nil
	}
	return doc, true, nil
}

// ConditionalPut implements Store.
func (s *MemoryStore) ConditionalPut(_ context.Context, doc Document, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflictsToInject > 0 {
		s.conflictsToInject--
		return conflictErr(doc)
	}

	key := docKey(doc.Scope, doc.ScopeID)
	current, exists := s.docs[key]
	switch {
	case !exists && expectedVersion != 0:
		return conflictErr(doc)
	case exists && current.Version != expectedVersion:
		return conflictErr(doc)
	}

	doc.Version = expectedVersion + 1
	doc.LastUpdatedAt = s.clock()
	s.docs[key] = doc
	return nil
}

func conflictErr(doc Document) error {
	return errs.New("metricstore/memory", errs.CodeConflict,
		errs.WithField("scope", string(doc.Scope)),
		errs.WithField("scope_id", doc.ScopeID),
		errs.WithMessage("version mismatch"))
}

func docKey(scope schema.Scope, scopeID string) string {
	return string(scope) + "/" + scopeID
}

var _ Store = (*MemoryStore)(nil)
