// Package classifier maps raw queue message bodies onto typed lifecycle
// events and their counter deltas.
package classifier

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/schema"
)

const component = "classifier"

// deltaTemplates is the closed dispatch table from lifecycle event type to
// counter delta. Unknown types fall through to a permanent malformed failure.
var deltaTemplates = map[schema.EventType]schema.Delta{
	schema.EventTypeLeadImported:       {TotalImportedLeads: 1},
	schema.EventTypeEmailQueued:        {TotalQueued: 1},
	schema.EventTypeEmailSent:          {TotalEmailsSent: 1},
	schema.EventTypeHardBounce:         {TotalBounces: 1, TotalHardBounces: 1},
	schema.EventTypeSoftBounce:         {TotalBounces: 1, TotalSoftBounces: 1},
	schema.EventTypeComplaint:          {TotalComplaints: 1},
	schema.EventTypeDelivered:          {TotalDelivered: 1},
	schema.EventTypeOpened:             {TotalOpens: 1},
	schema.EventTypeClicked:            {TotalClicks: 1},
	schema.EventTypeRejected:           {TotalRejected: 1},
	schema.EventTypeDelayed:            {TotalDelayed: 1},
	schema.EventTypeUnsubscribed:       {TotalUnsubscribes: 1},
	schema.EventTypeVerificationPassed: {TotalVerificationPassed: 1},
	schema.EventTypeVerificationFailed: {TotalVerificationFailed: 1},
	schema.EventTypeSendSkipped:        {TotalSkipped: 1},
	schema.EventTypeSendError:          {TotalErrors: 1},
}

// sentPayload carries sending metadata attached to EMAIL.SENT events.
type sentPayload struct {
	Credits int64 `json:"credits"`
}

// importPayload carries batch sizing attached to LEAD.IMPORTED events.
type importPayload struct {
	Count int64 `json:"count"`
}

// engagementPayload flags first-time opens/clicks for unique counters.
type engagementPayload struct {
	First bool `json:"first"`
}

// Classify parses a raw message body into an event plus a fully populated
// delta. It performs no I/O and holds no state; it is safe to call
// concurrently for every message in a batch. Failures carry CodeMalformed and
// must be dead-lettered, never retried.
func Classify(body []byte) (schema.Event, schema.Delta, error) {
	var event schema.Event
	if len(body) == 0 {
		return schema.Event{}, schema.Delta{}, errs.New(component, errs.CodeMalformed,
			errs.WithMessage("empty message body"))
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return schema.Event{}, schema.Delta{}, errs.New(component, errs.CodeMalformed,
			errs.WithMessage("unparseable message body"), errs.WithCause(err))
	}

	event.Type = schema.NormalizeEventType(event.Type)
	event.EventID = strings.TrimSpace(event.EventID)
	if len(event.Targets) == 0 {
		event.Targets = []schema.ScopeTarget{schema.GlobalTarget()}
	}
	event.Targets = dedupeTargets(event.Targets)

	if err := event.Validate(); err != nil {
		return schema.Event{}, schema.Delta{}, errs.New(component, errs.CodeMalformed,
			errs.WithEventID(event.EventID),
			errs.WithMessage("invalid event"), errs.WithCause(err))
	}

	delta, ok := deltaTemplates[event.Type]
	if !ok {
		return schema.Event{}, schema.Delta{}, errs.New(component, errs.CodeMalformed,
			errs.WithEventID(event.EventID),
			errs.WithMessage("no delta template for type "+string(event.Type)))
	}

	delta, err := adjustDelta(event, delta)
	if err != nil {
		return schema.Event{}, schema.Delta{}, err
	}
	return event, delta, nil
}

// adjustDelta enriches the template with payload-derived increments.
func adjustDelta(event schema.Event, delta schema.Delta) (schema.Delta, error) {
	switch event.Type {
	case schema.EventTypeEmailSent:
		if len(event.Payload) == 0 {
			break
		}
		var payload sentPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return schema.Delta{}, malformedPayload(event.EventID, err)
		}
		if payload.Credits < 0 {
			return schema.Delta{}, errs.New(component, errs.CodeMalformed,
				errs.WithEventID(event.EventID),
				errs.WithMessage("negative credits"))
		}
		delta.TotalCreditsUsed = payload.Credits
	case schema.EventTypeLeadImported:
		if len(event.Payload) == 0 {
			break
		}
		var payload importPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return schema.Delta{}, malformedPayload(event.EventID, err)
		}
		if payload.Count < 0 {
			return schema.Delta{}, errs.New(component, errs.CodeMalformed,
				errs.WithEventID(event.EventID),
				errs.WithMessage("negative import count"))
		}
		if payload.Count > 0 {
			delta.TotalImportedLeads = payload.Count
		}
	case schema.EventTypeOpened:
		first, err := firstEngagement(event)
		if err != nil {
			return schema.Delta{}, err
		}
		if first {
			delta.TotalUniqueOpens = 1
		}
	case schema.EventTypeClicked:
		first, err := firstEngagement(event)
		if err != nil {
			return schema.Delta{}, err
		}
		if first {
			delta.TotalUniqueClicks = 1
		}
	}
	return delta, nil
}

func firstEngagement(event schema.Event) (bool, error) {
	if len(event.Payload) == 0 {
		return false, nil
	}
	var payload engagementPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return false, malformedPayload(event.EventID, err)
	}
	return payload.First, nil
}

func malformedPayload(eventID string, cause error) error {
	return errs.New(component, errs.CodeMalformed,
		errs.WithEventID(eventID),
		errs.WithMessage("invalid payload"), errs.WithCause(cause))
}

func dedupeTargets(targets []schema.ScopeTarget) []schema.ScopeTarget {
	seen := make(map[string]struct{}, len(targets))
	out := targets[:0]
	for _, target := range targets {
		target = target.Normalize()
		key := target.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, target)
	}
	return out
}
