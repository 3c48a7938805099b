package schema

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestCounterSetAdd(t *testing.T) {
	base := CounterSet{TotalEmailsSent: 10, TotalOpens: 3}
	delta := Delta{TotalEmailsSent: 2, TotalClicks: 1}

	got := base.Add(delta)

	if got.TotalEmailsSent != 12 {
		t.Errorf("TotalEmailsSent = %d, want 12", got.TotalEmailsSent)
	}
	if got.TotalOpens != 3 {
		t.Errorf("TotalOpens = %d, want 3 (unchanged)", got.TotalOpens)
	}
	if got.TotalClicks != 1 {
		t.Errorf("TotalClicks = %d, want 1", got.TotalClicks)
	}
	if base.TotalEmailsSent != 10 {
		t.Error("Add must not mutate the receiver")
	}
}

func TestDeltaAddCommutes(t *testing.T) {
	a := Delta{TotalEmailsSent: 1, TotalBounces: 2}
	b := Delta{TotalOpens: 3, TotalBounces: 1}
	c := Delta{TotalClicks: 4}

	var zero CounterSet
	ab := zero.Add(a).Add(b).Add(c)
	ba := zero.Add(c).Add(b).Add(a)
	if ab != ba {
		t.Errorf("delta application is order-dependent: %+v vs %+v", ab, ba)
	}
}

func TestDeltaValidate(t *testing.T) {
	if err := (Delta{TotalDelivered: 1}).Validate(); err != nil {
		t.Errorf("valid delta rejected: %v", err)
	}
	if err := (Delta{TotalDelivered: -1}).Validate(); err == nil {
		t.Error("negative increment accepted")
	}
}

func TestDeltaIsZero(t *testing.T) {
	if !(Delta{}).IsZero() {
		t.Error("empty delta should be zero")
	}
	if (Delta{TotalErrors: 1}).IsZero() {
		t.Error("non-empty delta reported zero")
	}
}

func TestCounterSetJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(CounterSet{TotalHardBounces: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]int64
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["totalHardBounces"] != 1 {
		t.Errorf("expected totalHardBounces=1 in %v", fields)
	}
	if len(fields) != 20 {
		t.Errorf("expected 20 counter fields, got %d", len(fields))
	}
}
