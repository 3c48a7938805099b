package queue

import (
	"context"
	"testing"
	"time"
)

func TestPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryConfig{})
	defer q.Close()

	id, err := q.Publish(ctx, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	batch, err := q.Receive(ctx, 10, 0, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(batch) != 1 || batch[0].ID != id || batch[0].ReceiveCount != 1 {
		t.Fatalf("batch = %+v", batch)
	}

	if err := q.ReportOutcome(ctx, []Outcome{{MessageID: id, Status: OutcomeAck}}); err != nil {
		t.Fatalf("ReportOutcome() error = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("acked message still queued, len=%d", q.Len())
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(MemoryConfig{}).WithClock(func() time.Time { return now })
	defer q.Close()

	if _, err := q.Publish(ctx, []byte("a")); err != nil {
		t.Fatal(err)
	}

	first, err := q.Receive(ctx, 1, 0, 30*time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("first receive = %v, %v", first, err)
	}

	// Still invisible inside the window.
	hidden, err := q.Receive(ctx, 1, 0, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(hidden) != 0 {
		t.Fatalf("message should be invisible, got %v", hidden)
	}

	// Window lapses without an ack; the message reappears.
	now = now.Add(31 * time.Second)
	again, err := q.Receive(ctx, 1, 0, 30*time.Second)
	if err != nil || len(again) != 1 {
		t.Fatalf("redelivery = %v, %v", again, err)
	}
	if again[0].ReceiveCount != 2 {
		t.Errorf("ReceiveCount = %d, want 2", again[0].ReceiveCount)
	}
}

func TestRetryOutcomeMakesVisible(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryConfig{})
	defer q.Close()

	id, _ := q.Publish(ctx, []byte("a"))
	if _, err := q.Receive(ctx, 1, 0, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := q.ReportOutcome(ctx, []Outcome{{MessageID: id, Status: OutcomeRetry, Reason: "store unavailable"}}); err != nil {
		t.Fatal(err)
	}

	batch, err := q.Receive(ctx, 1, 0, time.Minute)
	if err != nil || len(batch) != 1 {
		t.Fatalf("retried message not redelivered: %v, %v", batch, err)
	}
}

func TestRetryOutcomeDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(MemoryConfig{}).WithClock(func() time.Time { return now })
	defer q.Close()

	id, _ := q.Publish(ctx, []byte("a"))
	if _, err := q.Receive(ctx, 1, 0, time.Minute); err != nil {
		t.Fatal(err)
	}
	outcome := Outcome{MessageID: id, Status: OutcomeRetry, Reason: "claim_contention", Delay: 30 * time.Second}
	if err := q.ReportOutcome(ctx, []Outcome{outcome}); err != nil {
		t.Fatal(err)
	}

	hidden, err := q.Receive(ctx, 1, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(hidden) != 0 {
		t.Fatalf("delayed retry redelivered immediately: %v", hidden)
	}

	now = now.Add(31 * time.Second)
	batch, err := q.Receive(ctx, 1, 0, time.Minute)
	if err != nil || len(batch) != 1 {
		t.Fatalf("retry not redelivered after delay: %v, %v", batch, err)
	}
}

func TestReceiveWaitDeadlineUsesInjectedClock(t *testing.T) {
	frozen := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	q := NewMemoryQueue(MemoryConfig{}).WithClock(func() time.Time { return frozen })
	defer q.Close()

	// With a frozen clock the wait deadline never passes; only cancellation
	// ends the poll. A wall-clock deadline would return nil within the wait.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	batch, err := q.Receive(ctx, 1, 10*time.Millisecond, time.Minute)
	if err == nil {
		t.Fatalf("Receive() = %v, want cancellation error under frozen clock", batch)
	}
}

func TestPartialBatchOutcome(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryConfig{})
	defer q.Close()

	okID, _ := q.Publish(ctx, []byte("ok"))
	failID, _ := q.Publish(ctx, []byte("fail"))

	batch, err := q.Receive(ctx, 10, 0, time.Minute)
	if err != nil || len(batch) != 2 {
		t.Fatalf("batch = %v, %v", batch, err)
	}

	err = q.ReportOutcome(ctx, []Outcome{
		{MessageID: okID, Status: OutcomeAck},
		{MessageID: failID, Status: OutcomeRetry},
	})
	if err != nil {
		t.Fatal(err)
	}

	remaining, err := q.Receive(ctx, 10, 0, time.Minute)
	if err != nil || len(remaining) != 1 || remaining[0].ID != failID {
		t.Fatalf("only the failed sibling should redeliver, got %v, %v", remaining, err)
	}
}

func TestMaxReceiveCountDiverts(t *testing.T) {
	ctx := context.Background()
	var diverted []Message
	q := NewMemoryQueue(MemoryConfig{
		MaxReceiveCount: 2,
		OnDeadLetter:    func(msg Message) { diverted = append(diverted, msg) },
	})
	defer q.Close()

	id, _ := q.Publish(ctx, []byte("poison"))
	for i := 0; i < 2; i++ {
		batch, err := q.Receive(ctx, 1, 0, time.Minute)
		if err != nil || len(batch) != 1 {
			t.Fatalf("receive %d = %v, %v", i, batch, err)
		}
		if err := q.ReportOutcome(ctx, []Outcome{{MessageID: id, Status: OutcomeRetry}}); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := q.Receive(ctx, 1, 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatalf("exhausted message should not redeliver, got %v", batch)
	}
	if len(diverted) != 1 || diverted[0].ID != id {
		t.Errorf("diverted = %v", diverted)
	}
	if q.Len() != 0 {
		t.Errorf("diverted message still queued")
	}
}

func TestReceiveWaitsForPublish(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(MemoryConfig{})
	defer q.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Publish(ctx, []byte("late"))
	}()

	batch, err := q.Receive(ctx, 1, 500*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("long poll missed the late publish, got %v", batch)
	}
}
