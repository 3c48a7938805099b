// Package queue defines the at-least-once message transport consumed by the
// batch workers. The transport may reorder and redeliver; the pipeline
// compensates with commutative deltas and eventId deduplication.
package queue

import (
	"context"
	"time"
)

// Message is one received queue entry. ReceiveCount reports how many times
// the transport has delivered it, including this delivery.
type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int
}

// OutcomeStatus is the per-message disposition reported back to the queue.
type OutcomeStatus string

const (
	// OutcomeAck acknowledges the message; the transport stops redelivering it.
	OutcomeAck OutcomeStatus = "ack"
	// OutcomeRetry leaves the message unacknowledged so the transport's
	// native redelivery/backoff applies.
	OutcomeRetry OutcomeStatus = "retry"
)

// Outcome reports the disposition of one message from a received batch.
type Outcome struct {
	MessageID string
	Status    OutcomeStatus
	Reason    string
	// Delay keeps a retried message invisible for this long before the next
	// delivery, the analogue of shortening a message's visibility timeout.
	// Zero makes it immediately redeliverable. Ignored for acks.
	Delay time.Duration
}

// Queue is the transport contract. Receive blocks up to wait for at most
// maxMessages; received messages stay invisible to other consumers for the
// visibility window, after which unacknowledged ones are redelivered.
// ReportOutcome applies per-message dispositions so one failure never blocks
// acknowledgment of sibling successes.
type Queue interface {
	Receive(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]Message, error)
	ReportOutcome(ctx context.Context, outcomes []Outcome) error
}
