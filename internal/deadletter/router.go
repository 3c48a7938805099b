// Package deadletter diverts permanently-failing or malformed messages to a
// holding area for manual inspection.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/campaignkit/metricspipe/internal/observability"
)

// Letter is one diverted message with its routing reason.
type Letter struct {
	MessageID    string
	Body         []byte
	Reason       string
	ReceiveCount int
	ReceivedAt   time.Time
}

// Router forwards letters to a holding area. Routing is best-effort: a
// failure to route is logged, never retried indefinitely, and never
// propagated, so dead-lettering can never wedge the pipeline.
type Router interface {
	Route(ctx context.Context, letter Letter)
}

// Sink persists letters. Implemented by the postgres dead-letter store.
type Sink interface {
	Insert(ctx context.Context, letter Letter) error
}

// SinkRouter routes letters into a persistent sink.
type SinkRouter struct {
	sink    Sink
	metrics *observability.PipelineMetrics
}

// NewSinkRouter constructs a router over the given sink.
func NewSinkRouter(sink Sink, metrics *observability.PipelineMetrics) *SinkRouter {
	return &SinkRouter{sink: sink, metrics: metrics}
}

// Route implements Router.
func (r *SinkRouter) Route(ctx context.Context, letter Letter) {
	if r == nil || r.sink == nil {
		return
	}
	if letter.ReceivedAt.IsZero() {
		letter.ReceivedAt = time.Now()
	}
	r.metrics.RecordDeadLetter(ctx, letter.Reason)
	if err := r.sink.Insert(ctx, letter); err != nil {
		observability.Log().Error("dead-letter route failed",
			observability.Field{Key: "message_id", Value: letter.MessageID},
			observability.Field{Key: "reason", Value: letter.Reason},
			observability.Field{Key: "error", Value: err},
		)
		return
	}
	observability.Log().Info("message dead-lettered",
		observability.Field{Key: "message_id", Value: letter.MessageID},
		observability.Field{Key: "reason", Value: letter.Reason},
	)
}

// MemoryRouter keeps a bounded in-process buffer of letters, dropping the
// oldest when full. Used by tests and local runs.
type MemoryRouter struct {
	mu       sync.Mutex
	capacity int
	letters  []Letter
}

// NewMemoryRouter creates a buffer router. Capacity <=0 implies unbounded.
func NewMemoryRouter(capacity int) *MemoryRouter {
	router := new(MemoryRouter)
	router.capacity = capacity
	router.letters = make([]Letter, 0)
	return router
}

// Route implements Router.
func (r *MemoryRouter) Route(_ context.Context, letter Letter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if letter.ReceivedAt.IsZero() {
		letter.ReceivedAt = time.Now()
	}
	if r.capacity > 0 && len(r.letters) >= r.capacity {
		// Drop oldest letter to make space for the new record.
		copy(r.letters[0:], r.letters[1:])
		r.letters[len(r.letters)-1] = letter
		return
	}
	r.letters = append(r.letters, letter)
}

// Drain retrieves and clears all buffered letters.
func (r *MemoryRouter) Drain() []Letter {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := make([]Letter, len(r.letters))
	copy(drained, r.letters)
	r.letters = r.letters[:0]
	return drained
}

// Len returns the number of buffered letters.
func (r *MemoryRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.letters)
}

var (
	_ Router = (*SinkRouter)(nil)
	_ Router = (*MemoryRouter)(nil)
)
