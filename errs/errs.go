// Package errs provides structured error types and helpers for the metrics pipeline.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a pipeline-specific error category.
type Code string

const (
	// CodeMalformed indicates an unparseable or unrecognised event payload; never retried.
	CodeMalformed Code = "malformed"
	// CodeDuplicate indicates the event was already aggregated; treated as success.
	CodeDuplicate Code = "duplicate"
	// CodeClaimContention indicates another worker holds an active dedup claim.
	CodeClaimContention Code = "claim_contention"
	// CodeConflict indicates an optimistic write lost a version race.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a store or transport failure; transient.
	CodeUnavailable Code = "unavailable"
	// CodeRetryExhausted indicates the aggregator gave up after its retry budget.
	CodeRetryExhausted Code = "retry_exhausted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the pipeline.
type E struct {
	Component string
	Code      Code
	Message   string
	EventID   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		EventID:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithEventID records the event the failure relates to.
func WithEventID(eventID string) Option {
	trimmed := strings.TrimSpace(eventID)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.EventID != "" {
		parts = append(parts, "event="+e.EventID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the pipeline error code from err, unwrapping as needed.
// Errors without an envelope report an empty code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given pipeline error code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	return HasCode(err, CodeMalformed)
}

// IsTransient reports whether err should surface as a retryable message failure.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeClaimContention, CodeConflict, CodeUnavailable, CodeRetryExhausted:
		return true
	default:
		return false
	}
}
