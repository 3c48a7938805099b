package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/campaignkit/metricspipe/internal/telemetry"
)

// PipelineMetrics bundles the OpenTelemetry instruments emitted by the
// pipeline. A nil receiver is safe everywhere so callers can run unmetered.
type PipelineMetrics struct {
	environment string
	workerID    string

	eventsTotal     metric.Int64Counter
	duplicatesTotal metric.Int64Counter
	conflictsTotal  metric.Int64Counter
	contentionTotal metric.Int64Counter
	deadLetterTotal metric.Int64Counter
	applyDuration   metric.Float64Histogram
}

// NewPipelineMetrics registers the pipeline instruments on the global meter.
func NewPipelineMetrics(workerID string) (*PipelineMetrics, error) {
	meter := otel.Meter("metricspipe")

	eventsTotal, err := meter.Int64Counter("metricspipe_events_total",
		metric.WithDescription("Messages processed by final outcome"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	duplicatesTotal, err := meter.Int64Counter("metricspipe_duplicates_total",
		metric.WithDescription("Events skipped because they were already aggregated"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	conflictsTotal, err := meter.Int64Counter("metricspipe_version_conflicts_total",
		metric.WithDescription("Optimistic writes that lost a version race"),
		metric.WithUnit("{write}"))
	if err != nil {
		return nil, err
	}
	contentionTotal, err := meter.Int64Counter("metricspipe_claim_contention_total",
		metric.WithDescription("Claim attempts rejected because another worker held the claim"),
		metric.WithUnit("{claim}"))
	if err != nil {
		return nil, err
	}
	deadLetterTotal, err := meter.Int64Counter("metricspipe_dead_letters_total",
		metric.WithDescription("Messages diverted to the dead-letter sink"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	applyDuration, err := meter.Float64Histogram("metricspipe_apply_duration_seconds",
		metric.WithDescription("Latency of one scope aggregation including conflict retries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		environment:     telemetry.Environment(),
		workerID:        workerID,
		eventsTotal:     eventsTotal,
		duplicatesTotal: duplicatesTotal,
		conflictsTotal:  conflictsTotal,
		contentionTotal: contentionTotal,
		deadLetterTotal: deadLetterTotal,
		applyDuration:   applyDuration,
	}, nil
}

// RecordOutcome counts one finished message by outcome.
func (m *PipelineMetrics) RecordOutcome(ctx context.Context, eventType, result string) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	attrs := telemetry.OutcomeAttributes(m.environment, m.workerID, eventType, result)
	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuplicate counts an already-completed event.
func (m *PipelineMetrics) RecordDuplicate(ctx context.Context) {
	if m == nil || m.duplicatesTotal == nil {
		return
	}
	attrs := telemetry.OutcomeAttributes(m.environment, m.workerID, "", "duplicate")
	m.duplicatesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConflict counts a lost optimistic-write race for the scope.
func (m *PipelineMetrics) RecordConflict(ctx context.Context, scope string) {
	if m == nil || m.conflictsTotal == nil {
		return
	}
	attrs := telemetry.ScopeAttributes(m.environment, scope, "conflict")
	m.conflictsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordContention counts a claim rejected due to an active owner.
func (m *PipelineMetrics) RecordContention(ctx context.Context) {
	if m == nil || m.contentionTotal == nil {
		return
	}
	attrs := telemetry.OutcomeAttributes(m.environment, m.workerID, "", "contended")
	m.contentionTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeadLetter counts a message diverted to the dead-letter sink.
func (m *PipelineMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	if m == nil || m.deadLetterTotal == nil {
		return
	}
	attrs := telemetry.OutcomeAttributes(m.environment, m.workerID, "", "dead_letter")
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	m.deadLetterTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordApply observes the latency of one scope aggregation.
func (m *PipelineMetrics) RecordApply(ctx context.Context, scope string, elapsed time.Duration, result string) {
	if m == nil || m.applyDuration == nil {
		return
	}
	attrs := telemetry.ScopeAttributes(m.environment, scope, result)
	m.applyDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}
