// Package worker drives the classify→dedup→aggregate loop over queue batches.
package worker

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/aggregator"
	"github.com/campaignkit/metricspipe/internal/classifier"
	"github.com/campaignkit/metricspipe/internal/deadletter"
	"github.com/campaignkit/metricspipe/internal/dedup"
	"github.com/campaignkit/metricspipe/internal/observability"
	"github.com/campaignkit/metricspipe/internal/queue"
	"github.com/campaignkit/metricspipe/internal/schema"
)

// ClassifyFunc maps a raw message body onto an event and its delta.
type ClassifyFunc func(body []byte) (schema.Event, schema.Delta, error)

const (
	retryBackoffBase = time.Second
	retryBackoffCap  = time.Minute
)

// retryDelay spaces redeliveries of a retried message, doubling with each
// failed delivery. Without it the fleet busy-spins on a contended or
// transiently failing event, bounded only by poll pacing.
func retryDelay(receiveCount int) time.Duration {
	delay := retryBackoffBase
	for i := 1; i < receiveCount; i++ {
		delay *= 2
		if delay >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return delay
}

// Config tunes one worker instance. Workers share no memory; any number of
// them may run against the same queue and stores.
type Config struct {
	ID                 string
	BatchSize          int
	WaitTime           time.Duration
	Visibility         time.Duration
	Parallelism        int
	ClaimTTL           time.Duration
	CompletedRetention time.Duration
	// PollRate caps queue receives per second. <=0 disables the cap.
	PollRate float64
}

// Normalise fills derived defaults.
func (c *Config) Normalise() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = c.BatchSize
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 24 * time.Hour
	}
}

// Worker pulls batches from the queue and reports a per-message outcome so
// only failed messages are redelivered.
type Worker struct {
	cfg      Config
	queue    queue.Queue
	dedup    dedup.Store
	agg      *aggregator.Aggregator
	dlq      deadletter.Router
	classify ClassifyFunc
	metrics  *observability.PipelineMetrics
	limiter  *rate.Limiter
}

// Option configures a Worker.
type Option func(*Worker)

// WithClassifier overrides the default classifier, primarily for testing.
func WithClassifier(classify ClassifyFunc) Option {
	return func(w *Worker) {
		if classify != nil {
			w.classify = classify
		}
	}
}

// WithMetrics attaches pipeline instruments; nil disables recording.
func WithMetrics(metrics *observability.PipelineMetrics) Option {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

// New constructs a Worker.
func New(cfg Config, q queue.Queue, dedupStore dedup.Store, agg *aggregator.Aggregator, dlq deadletter.Router, opts ...Option) *Worker {
	cfg.Normalise()
	w := new(Worker)
	w.cfg = cfg
	w.queue = q
	w.dedup = dedupStore
	w.agg = agg
	w.dlq = dlq
	w.classify = classifier.Classify
	if cfg.PollRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run polls the queue until the context is cancelled. Receive failures are
// logged and retried; they never terminate the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		batch, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.WaitTime, w.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.Log().Error("queue receive failed",
				observability.Field{Key: "worker", Value: w.cfg.ID},
				observability.Field{Key: "error", Value: err},
			)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		outcomes := w.ProcessBatch(ctx, batch)
		if err := w.queue.ReportOutcome(ctx, outcomes); err != nil {
			// Unreported outcomes redeliver after the visibility window;
			// dedup absorbs the repeats.
			observability.Log().Error("report outcome failed",
				observability.Field{Key: "worker", Value: w.cfg.ID},
				observability.Field{Key: "error", Value: err},
			)
		}
	}
}

// ProcessBatch processes messages with bounded fan-out. Messages carry no
// ordering dependency, so siblings proceed independently: one failure never
// blocks acknowledgment of the others.
func (w *Worker) ProcessBatch(ctx context.Context, batch []queue.Message) []queue.Outcome {
	outcomes := make([]queue.Outcome, len(batch))
	p := pool.New().WithMaxGoroutines(w.cfg.Parallelism)
	for i, msg := range batch {
		p.Go(func() {
			outcomes[i] = w.processMessage(ctx, msg)
		})
	}
	p.Wait()
	return outcomes
}

// processMessage walks one message through the state machine:
// Received → Classified → {Duplicate(ack) | Claimed → Aggregating →
// {Completed(ack) | Failed(retryable) | Failed(permanent, dead-letter)}}.
func (w *Worker) processMessage(ctx context.Context, msg queue.Message) queue.Outcome {
	event, delta, err := w.classify(msg.Body)
	if err != nil {
		if errs.IsPermanent(err) {
			// Malformed payloads never consume a dedup claim.
			w.dlq.Route(ctx, deadletter.Letter{
				MessageID:    msg.ID,
				Body:         msg.Body,
				Reason:       err.Error(),
				ReceiveCount: msg.ReceiveCount,
			})
			w.metrics.RecordOutcome(ctx, "", "dead_letter")
			return queue.Outcome{MessageID: msg.ID, Status: queue.OutcomeAck, Reason: "dead-lettered"}
		}
		return w.retryOutcome(ctx, msg, event.Type, err)
	}

	claim, err := w.dedup.Claim(ctx, event.EventID, w.cfg.ClaimTTL)
	if err != nil {
		return w.retryOutcome(ctx, msg, event.Type, err)
	}
	switch claim.Status {
	case dedup.ClaimCompleted:
		w.metrics.RecordDuplicate(ctx)
		w.metrics.RecordOutcome(ctx, string(event.Type), "duplicate")
		return queue.Outcome{MessageID: msg.ID, Status: queue.OutcomeAck, Reason: "duplicate"}
	case dedup.ClaimContended:
		w.metrics.RecordContention(ctx)
		return w.retryOutcome(ctx, msg, event.Type,
			errs.New("worker", errs.CodeClaimContention, errs.WithEventID(event.EventID)))
	case dedup.ClaimAcquired:
	default:
		return w.retryOutcome(ctx, msg, event.Type,
			errs.New("worker", errs.CodeUnavailable, errs.WithMessage("unknown claim status")))
	}

	if err := w.aggregate(ctx, event, delta, claim.AppliedScopes); err != nil {
		// Leave the event un-completed; make the claim reclaimable now so
		// redelivery is not blocked by our own TTL. Applied scopes survive.
		if releaseErr := w.dedup.Release(ctx, event.EventID); releaseErr != nil {
			observability.Log().Error("claim release failed",
				observability.Field{Key: "event", Value: event.EventID},
				observability.Field{Key: "error", Value: releaseErr},
			)
		}
		return w.retryOutcome(ctx, msg, event.Type, err)
	}

	if err := w.dedup.Complete(ctx, event.EventID, w.cfg.CompletedRetention); err != nil {
		// Applied scopes are recorded, so the redelivered attempt only has to
		// finish the completion step.
		return w.retryOutcome(ctx, msg, event.Type, err)
	}

	w.metrics.RecordOutcome(ctx, string(event.Type), "ack")
	return queue.Outcome{MessageID: msg.ID, Status: queue.OutcomeAck}
}

// aggregate applies the delta to every target scope not already reflected.
// The scope updates are independent; the event counts as done only when all
// of them succeeded, so a partial success is retried without double-counting.
func (w *Worker) aggregate(ctx context.Context, event schema.Event, delta schema.Delta, appliedScopes []string) error {
	applied := make(map[string]struct{}, len(appliedScopes))
	for _, key := range appliedScopes {
		applied[key] = struct{}{}
	}

	for _, target := range event.Targets {
		key := target.Key()
		if _, done := applied[key]; done {
			continue
		}
		if err := w.agg.Apply(ctx, target.Scope, target.ScopeID, delta); err != nil {
			return err
		}
		if err := w.dedup.MarkApplied(ctx, event.EventID, key); err != nil {
			return errs.New("worker", errs.CodeUnavailable,
				errs.WithEventID(event.EventID),
				errs.WithMessage("record applied scope"), errs.WithCause(err))
		}
	}
	return nil
}

func (w *Worker) retryOutcome(ctx context.Context, msg queue.Message, eventType schema.EventType, cause error) queue.Outcome {
	delay := retryDelay(msg.ReceiveCount)
	observability.Log().Debug("message left for redelivery",
		observability.Field{Key: "worker", Value: w.cfg.ID},
		observability.Field{Key: "message_id", Value: msg.ID},
		observability.Field{Key: "receive_count", Value: msg.ReceiveCount},
		observability.Field{Key: "delay", Value: delay},
		observability.Field{Key: "error", Value: cause},
	)
	w.metrics.RecordOutcome(ctx, string(eventType), "retry")
	return queue.Outcome{
		MessageID: msg.ID,
		Status:    queue.OutcomeRetry,
		Reason:    string(errs.CodeOf(cause)),
		Delay:     delay,
	}
}
