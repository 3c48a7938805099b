// Package schema defines the canonical event and counter types for the metrics pipeline.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/campaignkit/metricspipe/errs"
)

// EventType identifies an email lifecycle event category. The set is closed:
// unknown values are a permanent classification failure, never retried.
type EventType string

const (
	// EventTypeLeadImported designates a lead imported into a campaign audience.
	EventTypeLeadImported EventType = "LEAD.IMPORTED"
	// EventTypeEmailQueued designates an email accepted for sending.
	EventTypeEmailQueued EventType = "EMAIL.QUEUED"
	// EventTypeEmailSent designates a successful handoff to the sending provider.
	EventTypeEmailSent EventType = "EMAIL.SENT"
	// EventTypeHardBounce designates a permanent delivery failure notification.
	EventTypeHardBounce EventType = "EMAIL.BOUNCE.HARD"
	// EventTypeSoftBounce designates a transient delivery failure notification.
	EventTypeSoftBounce EventType = "EMAIL.BOUNCE.SOFT"
	// EventTypeComplaint designates a spam complaint notification.
	EventTypeComplaint EventType = "EMAIL.COMPLAINT"
	// EventTypeDelivered designates a confirmed delivery notification.
	EventTypeDelivered EventType = "EMAIL.DELIVERED"
	// EventTypeOpened designates an open tracking event.
	EventTypeOpened EventType = "EMAIL.OPENED"
	// EventTypeClicked designates a click tracking event.
	EventTypeClicked EventType = "EMAIL.CLICKED"
	// EventTypeRejected designates an email rejected before handoff.
	EventTypeRejected EventType = "EMAIL.REJECTED"
	// EventTypeDelayed designates a deferred delivery notification.
	EventTypeDelayed EventType = "EMAIL.DELAYED"
	// EventTypeUnsubscribed designates a recipient unsubscribe event.
	EventTypeUnsubscribed EventType = "EMAIL.UNSUBSCRIBED"
	// EventTypeVerificationPassed designates a successful address verification result.
	EventTypeVerificationPassed EventType = "VERIFICATION.PASSED"
	// EventTypeVerificationFailed designates a failed address verification result.
	EventTypeVerificationFailed EventType = "VERIFICATION.FAILED"
	// EventTypeSendSkipped designates a recipient skipped by sending rules.
	EventTypeSendSkipped EventType = "SEND.SKIPPED"
	// EventTypeSendError designates an internal error while sending.
	EventTypeSendError EventType = "SEND.ERROR"
)

// KnownEventTypes returns the closed set of lifecycle event types.
func KnownEventTypes() []EventType {
	return []EventType{
		EventTypeLeadImported,
		EventTypeEmailQueued,
		EventTypeEmailSent,
		EventTypeHardBounce,
		EventTypeSoftBounce,
		EventTypeComplaint,
		EventTypeDelivered,
		EventTypeOpened,
		EventTypeClicked,
		EventTypeRejected,
		EventTypeDelayed,
		EventTypeUnsubscribed,
		EventTypeVerificationPassed,
		EventTypeVerificationFailed,
		EventTypeSendSkipped,
		EventTypeSendError,
	}
}

// NormalizeEventType trims spaces and uppercases the provided event type tag.
func NormalizeEventType(typ EventType) EventType {
	trimmed := strings.TrimSpace(string(typ))
	if trimmed == "" {
		return ""
	}
	return EventType(strings.ToUpper(trimmed))
}

// Valid reports whether the event type belongs to the closed lifecycle set.
func (t EventType) Valid() bool {
	switch NormalizeEventType(t) {
	case EventTypeLeadImported, EventTypeEmailQueued, EventTypeEmailSent,
		EventTypeHardBounce, EventTypeSoftBounce, EventTypeComplaint,
		EventTypeDelivered, EventTypeOpened, EventTypeClicked,
		EventTypeRejected, EventTypeDelayed, EventTypeUnsubscribed,
		EventTypeVerificationPassed, EventTypeVerificationFailed,
		EventTypeSendSkipped, EventTypeSendError:
		return true
	default:
		return false
	}
}

// Scope identifies the aggregation granularity of a metrics document.
type Scope string

const (
	// ScopeGlobal aggregates across the whole system.
	ScopeGlobal Scope = "global"
	// ScopeCampaign aggregates for a single campaign.
	ScopeCampaign Scope = "campaign"
)

// GlobalScopeID is the fixed document identifier for the global scope.
const GlobalScopeID = "global"

// ScopeTarget names one metrics document an event contributes to.
type ScopeTarget struct {
	Scope   Scope  `json:"scope"`
	ScopeID string `json:"scopeId"`
}

// Validate checks scope/scopeId consistency.
func (t ScopeTarget) Validate() error {
	switch t.Scope {
	case ScopeGlobal:
		if t.ScopeID != "" && t.ScopeID != GlobalScopeID {
			return errs.New("schema/scope", errs.CodeInvalid, errs.WithMessage("global scope id must be empty or \"global\""))
		}
	case ScopeCampaign:
		if strings.TrimSpace(t.ScopeID) == "" {
			return errs.New("schema/scope", errs.CodeInvalid, errs.WithMessage("campaign scope requires scopeId"))
		}
	default:
		return errs.New("schema/scope", errs.CodeInvalid, errs.WithMessage("unknown scope "+string(t.Scope)))
	}
	return nil
}

// Key returns a stable identifier for the target, used to record per-scope
// application progress on the dedup record.
func (t ScopeTarget) Key() string {
	if t.Scope == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(t.Scope) + ":" + t.ScopeID
}

// Normalize rewrites the target into its canonical form. Producers may omit
// the scopeId on global targets; every global delta must land on the single
// global document, so the id is pinned here before any aggregation.
func (t ScopeTarget) Normalize() ScopeTarget {
	if t.Scope == ScopeGlobal {
		t.ScopeID = GlobalScopeID
	}
	return t
}

// GlobalTarget returns the canonical global scope target.
func GlobalTarget() ScopeTarget {
	return ScopeTarget{Scope: ScopeGlobal, ScopeID: GlobalScopeID}
}

// Event is a classified lifecycle event ready for aggregation.
type Event struct {
	EventID   string          `json:"eventId"`
	Type      EventType       `json:"type"`
	Targets   []ScopeTarget   `json:"targets"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate ensures the event satisfies the wire contract invariants.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.EventID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("eventId required"))
	}
	if !e.Type.Valid() {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithEventID(e.EventID),
			errs.WithMessage("unknown event type "+string(e.Type)))
	}
	if len(e.Targets) == 0 {
		return errs.New("schema/event", errs.CodeInvalid,
			errs.WithEventID(e.EventID),
			errs.WithMessage("at least one scope target required"))
	}
	for _, target := range e.Targets {
		if err := target.Validate(); err != nil {
			return err
		}
	}
	return nil
}
