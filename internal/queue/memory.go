package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campaignkit/metricspipe/errs"
)

const receivePollInterval = 5 * time.Millisecond

// DeadLetterFunc receives messages whose receive count exceeded the queue's
// max-receive budget before another delivery was attempted.
type DeadLetterFunc func(msg Message)

// MemoryConfig configures the in-memory queue.
type MemoryConfig struct {
	// MaxReceiveCount diverts a message to the dead-letter hook once its
	// delivery count would exceed this value. <=0 disables the cap.
	MaxReceiveCount int
	// OnDeadLetter is invoked for diverted messages. Optional.
	OnDeadLetter DeadLetterFunc
}

type entry struct {
	id           string
	body         []byte
	receiveCount int
	visibleAt    time.Time
}

// MemoryQueue is an in-process Queue with visibility-timeout semantics for
// tests and local runs. It deliberately mimics an at-least-once transport:
// unacknowledged messages reappear after their visibility window, and a
// message can be redelivered even after processing succeeded if the ack was
// never reported.
type MemoryQueue struct {
	mu      sync.Mutex
	cfg     MemoryConfig
	entries []*entry
	clock   func() time.Time
	closed  bool
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	q := new(MemoryQueue)
	q.cfg = cfg
	q.clock = time.Now
	return q
}

// WithClock overrides the internal clock, primarily for testing visibility.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if clock == nil {
		q.clock = time.Now
	} else {
		q.clock = clock
	}
	return q
}

// Publish enqueues a message body and returns its transport id.
func (q *MemoryQueue) Publish(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errs.New("queue/memory", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	id := uuid.NewString()
	copied := make([]byte, len(body))
	copy(copied, body)
	q.entries = append(q.entries, &entry{id: id, body: copied, visibleAt: q.clock()})
	return id, nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]Message, error) {
	if maxMessages <= 0 {
		return nil, errs.New("queue/memory", errs.CodeInvalid, errs.WithMessage("maxMessages must be positive"))
	}
	if visibility <= 0 {
		return nil, errs.New("queue/memory", errs.CodeInvalid, errs.WithMessage("visibility must be positive"))
	}

	deadline := q.now().Add(wait)
	for {
		batch, err := q.collect(maxMessages, visibility)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}
		if wait <= 0 || !q.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, errs.New("queue/memory", errs.CodeUnavailable,
				errs.WithMessage("receive cancelled"), errs.WithCause(ctx.Err()))
		case <-time.After(receivePollInterval):
		}
	}
}

func (q *MemoryQueue) now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock()
}

func (q *MemoryQueue) collect(maxMessages int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errs.New("queue/memory", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}

	now := q.clock()
	var batch []Message
	kept := q.entries[:0]
	for _, e := range q.entries {
		if len(batch) >= maxMessages || e.visibleAt.After(now) {
			kept = append(kept, e)
			continue
		}
		if q.cfg.MaxReceiveCount > 0 && e.receiveCount >= q.cfg.MaxReceiveCount {
			// Receive budget exceeded; divert instead of redelivering.
			if q.cfg.OnDeadLetter != nil {
				q.cfg.OnDeadLetter(Message{ID: e.id, Body: e.body, ReceiveCount: e.receiveCount})
			}
			continue
		}
		e.receiveCount++
		e.visibleAt = now.Add(visibility)
		batch = append(batch, Message{ID: e.id, Body: e.body, ReceiveCount: e.receiveCount})
		kept = append(kept, e)
	}
	q.entries = kept
	return batch, nil
}

// ReportOutcome implements Queue. Acked messages are deleted; retried
// messages become visible again after their outcome's delay.
func (q *MemoryQueue) ReportOutcome(_ context.Context, outcomes []Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errs.New("queue/memory", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}

	byID := make(map[string]Outcome, len(outcomes))
	for _, outcome := range outcomes {
		byID[outcome.MessageID] = outcome
	}

	now := q.clock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		outcome, ok := byID[e.id]
		if !ok {
			kept = append(kept, e)
			continue
		}
		switch outcome.Status {
		case OutcomeAck:
			// dropped
		case OutcomeRetry:
			e.visibleAt = now.Add(outcome.Delay)
			kept = append(kept, e)
		default:
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return nil
}

// Len reports the number of messages still held by the queue. Test helper.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close rejects further operations.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

var _ Queue = (*MemoryQueue)(nil)
