// Package aggregator folds counter deltas into scoped metrics documents using
// optimistic concurrency.
package aggregator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/metricstore"
	"github.com/campaignkit/metricspipe/internal/observability"
	"github.com/campaignkit/metricspipe/internal/schema"
)

const component = "aggregator"

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 20 * time.Millisecond
	defaultMaxBackoff     = 500 * time.Millisecond
)

// Aggregator applies deltas to scope documents with bounded conflict retry.
// Counter updates are commutative and associative, so retry-on-conflict never
// needs compensating logic; the only invariant is that each event's delta is
// summed exactly once per target scope, which the dedup layer guards.
type Aggregator struct {
	store          metricstore.Store
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *observability.PipelineMetrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxAttempts bounds the conflict-retry budget.
func WithMaxAttempts(attempts int) Option {
	return func(a *Aggregator) {
		if attempts > 0 {
			a.maxAttempts = attempts
		}
	}
}

// WithBackoff overrides the retry backoff window.
func WithBackoff(initial, max time.Duration) Option {
	return func(a *Aggregator) {
		if initial > 0 {
			a.initialBackoff = initial
		}
		if max > 0 {
			a.maxBackoff = max
		}
	}
}

// WithMetrics attaches pipeline instruments; nil disables recording.
func WithMetrics(metrics *observability.PipelineMetrics) Option {
	return func(a *Aggregator) {
		a.metrics = metrics
	}
}

// New constructs an Aggregator over the given store.
func New(store metricstore.Store, opts ...Option) *Aggregator {
	agg := new(Aggregator)
	agg.store = store
	agg.maxAttempts = defaultMaxAttempts
	agg.initialBackoff = defaultInitialBackoff
	agg.maxBackoff = defaultMaxBackoff
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	return agg
}

// Apply sums delta into the document for (scope, scopeID). An absent document
// is treated as a zero-valued document at version 0. On a version conflict the
// loop re-reads and retries with exponential backoff and jitter until the
// attempt budget is exhausted, which surfaces as errs.CodeRetryExhausted so
// the caller leaves the dedup claim open for queue redelivery.
func (a *Aggregator) Apply(ctx context.Context, scope schema.Scope, scopeID string, delta schema.Delta) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = a.initialBackoff
	backoffCfg.MaxInterval = a.maxBackoff

	started := time.Now()
	var lastConflict error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("context cancelled"), errs.WithCause(err))
		}

		doc, _, err := a.store.Get(ctx, scope, scopeID)
		if err != nil {
			a.metrics.RecordApply(ctx, string(scope), time.Since(started), "error")
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("read document"), errs.WithCause(err))
		}

		expected := doc.Version
		doc.Counters = doc.Counters.Add(delta)
		err = a.store.ConditionalPut(ctx, doc, expected)
		if err == nil {
			a.metrics.RecordApply(ctx, string(scope), time.Since(started), "ok")
			return nil
		}
		if !errs.HasCode(err, errs.CodeConflict) {
			a.metrics.RecordApply(ctx, string(scope), time.Since(started), "error")
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("conditional put"), errs.WithCause(err))
		}

		lastConflict = err
		a.metrics.RecordConflict(ctx, string(scope))
		observability.Log().Debug("version conflict, retrying",
			observability.Field{Key: "scope", Value: string(scope)},
			observability.Field{Key: "scope_id", Value: scopeID},
			observability.Field{Key: "attempt", Value: attempt},
		)

		if attempt == a.maxAttempts {
			break
		}
		if err := sleep(ctx, backoffCfg.NextBackOff()); err != nil {
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("context cancelled during backoff"), errs.WithCause(err))
		}
	}

	a.metrics.RecordApply(ctx, string(scope), time.Since(started), "exhausted")
	return errs.New(component, errs.CodeRetryExhausted,
		errs.WithField("scope", string(scope)),
		errs.WithField("scope_id", scopeID),
		errs.WithMessage("conflict retry budget exhausted"),
		errs.WithCause(lastConflict))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
