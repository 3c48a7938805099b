package classifier

import (
	"sync"
	"testing"

	"github.com/campaignkit/metricspipe/errs"
	"github.com/campaignkit/metricspipe/internal/schema"
)

func TestClassifyHardBounce(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-1",
		"type": "EMAIL.BOUNCE.HARD",
		"targets": [{"scope":"campaign","scopeId":"camp-42"}],
		"timestamp": "2026-08-30T12:00:00Z"
	}`)

	event, delta, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if event.EventID != "evt-1" || event.Type != schema.EventTypeHardBounce {
		t.Errorf("unexpected event %+v", event)
	}
	want := schema.Delta{TotalBounces: 1, TotalHardBounces: 1}
	if delta != want {
		t.Errorf("delta = %+v, want %+v", delta, want)
	}
}

func TestClassifyDefaultsToGlobalTarget(t *testing.T) {
	body := []byte(`{"eventId":"evt-2","type":"EMAIL.SENT","timestamp":"2026-08-30T12:00:00Z"}`)
	event, _, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(event.Targets) != 1 || event.Targets[0].Scope != schema.ScopeGlobal {
		t.Errorf("expected sole global target, got %+v", event.Targets)
	}
}

func TestClassifyCanonicalizesGlobalScopeID(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-13",
		"type": "EMAIL.SENT",
		"targets": [{"scope":"global"}],
		"timestamp": "2026-08-30T12:00:00Z"
	}`)
	event, _, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(event.Targets) != 1 {
		t.Fatalf("targets = %+v", event.Targets)
	}
	if got := event.Targets[0].ScopeID; got != schema.GlobalScopeID {
		t.Errorf("global ScopeID = %q, want %q (omitted scopeId must not create a second global document)", got, schema.GlobalScopeID)
	}

	// Both spellings of the global target collapse into the canonical one.
	mixed := []byte(`{
		"eventId": "evt-14",
		"type": "EMAIL.SENT",
		"targets": [{"scope":"global"},{"scope":"global","scopeId":"global"}],
		"timestamp": "2026-08-30T12:00:00Z"
	}`)
	event, _, err = Classify(mixed)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(event.Targets) != 1 || event.Targets[0] != schema.GlobalTarget() {
		t.Errorf("targets = %+v, want the single canonical global target", event.Targets)
	}
}

func TestClassifyDeduplicatesTargets(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-3",
		"type": "EMAIL.DELIVERED",
		"targets": [
			{"scope":"global"},
			{"scope":"campaign","scopeId":"camp-1"},
			{"scope":"campaign","scopeId":"camp-1"}
		],
		"timestamp": "2026-08-30T12:00:00Z"
	}`)
	event, _, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if len(event.Targets) != 2 {
		t.Errorf("expected 2 distinct targets, got %+v", event.Targets)
	}
}

func TestClassifySentCredits(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-4",
		"type": "EMAIL.SENT",
		"timestamp": "2026-08-30T12:00:00Z",
		"payload": {"credits": 3}
	}`)
	_, delta, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if delta.TotalEmailsSent != 1 || delta.TotalCreditsUsed != 3 {
		t.Errorf("delta = %+v, want sent=1 credits=3", delta)
	}
}

func TestClassifyFirstOpen(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-5",
		"type": "EMAIL.OPENED",
		"timestamp": "2026-08-30T12:00:00Z",
		"payload": {"first": true}
	}`)
	_, delta, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if delta.TotalOpens != 1 || delta.TotalUniqueOpens != 1 {
		t.Errorf("delta = %+v, want opens=1 uniqueOpens=1", delta)
	}

	repeat := []byte(`{"eventId":"evt-6","type":"EMAIL.OPENED","timestamp":"2026-08-30T12:00:00Z"}`)
	_, delta, err = Classify(repeat)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if delta.TotalUniqueOpens != 0 {
		t.Errorf("repeat open should not count unique, got %+v", delta)
	}
}

func TestClassifyLeadImportCount(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-7",
		"type": "LEAD.IMPORTED",
		"timestamp": "2026-08-30T12:00:00Z",
		"payload": {"count": 250}
	}`)
	_, delta, err := Classify(body)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if delta.TotalImportedLeads != 250 {
		t.Errorf("TotalImportedLeads = %d, want 250", delta.TotalImportedLeads)
	}
}

func TestClassifyMalformed(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"invalid json", []byte(`{nope`)},
		{"missing type", []byte(`{"eventId":"evt-8","timestamp":"2026-08-30T12:00:00Z"}`)},
		{"unknown type", []byte(`{"eventId":"evt-9","type":"EMAIL.TELEPORTED","timestamp":"2026-08-30T12:00:00Z"}`)},
		{"missing eventId", []byte(`{"type":"EMAIL.SENT","timestamp":"2026-08-30T12:00:00Z"}`)},
		{"campaign without id", []byte(`{"eventId":"evt-10","type":"EMAIL.SENT","targets":[{"scope":"campaign"}],"timestamp":"2026-08-30T12:00:00Z"}`)},
		{"negative credits", []byte(`{"eventId":"evt-11","type":"EMAIL.SENT","timestamp":"2026-08-30T12:00:00Z","payload":{"credits":-1}}`)},
	}
	for _, tc := range cases {
		_, _, err := Classify(tc.body)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !errs.HasCode(err, errs.CodeMalformed) {
			t.Errorf("%s: code = %q, want malformed", tc.name, errs.CodeOf(err))
		}
	}
}

func TestClassifyConcurrent(t *testing.T) {
	body := []byte(`{"eventId":"evt-12","type":"EMAIL.CLICKED","timestamp":"2026-08-30T12:00:00Z","payload":{"first":true}}`)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, delta, err := Classify(body); err != nil || delta.TotalClicks != 1 {
				t.Errorf("concurrent classify failed: delta=%+v err=%v", delta, err)
			}
		}()
	}
	wg.Wait()
}
