package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorRendering(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("metricstore", CodeUnavailable,
		WithMessage("conditional put failed"),
		WithEventID("evt-1"),
		WithField("scope", "campaign"),
		WithCause(cause),
	)

	got := err.Error()
	for _, want := range []string{
		"component=metricstore",
		"code=unavailable",
		"event=evt-1",
		`message="conditional put failed"`,
		`scope="campaign"`,
		`cause="connection refused"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestNilError(t *testing.T) {
	var err *E
	if got := err.Error(); got != "<nil>" {
		t.Errorf("nil Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("dedup", CodeClaimContention, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find cause")
	}
}

func TestCodeOfWrapped(t *testing.T) {
	inner := New("aggregator", CodeConflict)
	wrapped := fmt.Errorf("apply campaign scope: %w", inner)
	if got := CodeOf(wrapped); got != CodeConflict {
		t.Errorf("CodeOf(wrapped) = %q, want %q", got, CodeConflict)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain error should report empty code")
	}
}

func TestClassification(t *testing.T) {
	if !IsPermanent(New("classifier", CodeMalformed)) {
		t.Error("malformed should be permanent")
	}
	if IsPermanent(New("aggregator", CodeConflict)) {
		t.Error("conflict should not be permanent")
	}
	for _, code := range []Code{CodeClaimContention, CodeConflict, CodeUnavailable, CodeRetryExhausted} {
		if !IsTransient(New("worker", code)) {
			t.Errorf("code %q should be transient", code)
		}
	}
	if IsTransient(New("classifier", CodeMalformed)) {
		t.Error("malformed should not be transient")
	}
	if IsTransient(New("worker", CodeDuplicate)) {
		t.Error("duplicate is a success outcome, not transient")
	}
}
