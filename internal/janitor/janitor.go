// Package janitor prunes completed dedup records after their retention lapses.
package janitor

import (
	"context"
	"time"

	"github.com/campaignkit/metricspipe/internal/dedup"
	"github.com/campaignkit/metricspipe/internal/observability"
)

const (
	defaultInterval   = time.Minute
	defaultBatchLimit = 500
)

// Config tunes the purge cadence.
type Config struct {
	// Interval between purge sweeps.
	Interval time.Duration
	// BatchLimit caps records removed per sweep so a long backlog never
	// monopolises the store.
	BatchLimit int
}

// Normalise fills defaults.
func (c *Config) Normalise() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
}

// Janitor periodically deletes completed dedup records whose retention window
// has passed. Claimed records are never touched: an in-flight or stalled claim
// must stay visible until its own TTL reclaim path resolves it.
type Janitor struct {
	cfg   Config
	store dedup.Store
}

// New constructs a Janitor over the given store.
func New(cfg Config, store dedup.Store) *Janitor {
	cfg.Normalise()
	return &Janitor{cfg: cfg, store: store}
}

// Run sweeps on a ticker until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep drains expired completed records in bounded batches until a batch
// comes back short.
func (j *Janitor) sweep(ctx context.Context) {
	total := 0
	for {
		if ctx.Err() != nil {
			return
		}
		purged, err := j.store.PurgeExpired(ctx, j.cfg.BatchLimit)
		if err != nil {
			observability.Log().Error("dedup purge failed",
				observability.Field{Key: "error", Value: err},
			)
			return
		}
		total += purged
		if purged < j.cfg.BatchLimit {
			break
		}
	}
	if total > 0 {
		observability.Log().Debug("dedup records purged",
			observability.Field{Key: "count", Value: total},
		)
	}
}
