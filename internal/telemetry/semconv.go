// Package telemetry provides semantic conventions for pipeline observability.
package telemetry

import (
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for pipeline-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the lifecycle event classification.
	AttrEventType = attribute.Key("event.type")
	// AttrScope labels metrics with the aggregation scope (global/campaign).
	AttrScope = attribute.Key("scope")
	// AttrResult records the outcome of an operation (ack, retry, dead_letter, ...).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for failures.
	AttrReason = attribute.Key("reason")
	// AttrWorkerID identifies the worker instance emitting the signal.
	AttrWorkerID = attribute.Key("worker.id")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// Environment reports the deployment environment, defaulting to "dev".
func Environment() string {
	env := strings.TrimSpace(os.Getenv("METRICSPIPE_ENV"))
	if env == "" {
		return "dev"
	}
	return env
}

// OutcomeAttributes returns common attributes for per-message outcome metrics.
func OutcomeAttributes(environment, workerID, eventType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if workerID != "" {
		attrs = append(attrs, AttrWorkerID.String(workerID))
	}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return attrs
}

// ScopeAttributes returns attributes for aggregation metrics.
func ScopeAttributes(environment, scope, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrScope.String(scope),
		AttrResult.String(result),
	}
}
