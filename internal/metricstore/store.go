// Package metricstore defines the versioned counter-document store shared by
// all pipeline workers.
package metricstore

import (
	"context"
	"time"

	"github.com/campaignkit/metricspipe/internal/schema"
)

// Document is one per-scope metrics document. Version is the optimistic
// concurrency token: a conditional put succeeds only while the stored version
// still matches the version read.
type Document struct {
	Scope         schema.Scope      `json:"scope"`
	ScopeID       string            `json:"scopeId"`
	Version       int64             `json:"version"`
	LastUpdatedAt time.Time         `json:"lastUpdatedAt"`
	Counters      schema.CounterSet `json:"counters"`
}

// Zero returns the implicit empty document for a scope that has never been
// written: all counters zero at version 0.
func Zero(scope schema.Scope, scopeID string) Document {
	return Document{Scope: scope, ScopeID: scopeID}
}

// Store reads and conditionally updates metrics documents. Implementations
// coordinate concurrent workers purely through the version check; no locks
// are held across calls.
type Store interface {
	// Get returns the current document and true, or the zero document and
	// false when the scope has never been written.
	Get(ctx context.Context, scope schema.Scope, scopeID string) (Document, bool, error)

	// ConditionalPut writes doc only if the stored version equals
	// expectedVersion (0 meaning "absent"). On success the stored version is
	// expectedVersion+1 and LastUpdatedAt is set by the store. A lost race
	// yields an error with errs.CodeConflict.
	ConditionalPut(ctx context.Context, doc Document, expectedVersion int64) error
}
