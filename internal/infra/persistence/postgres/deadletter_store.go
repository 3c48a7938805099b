package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignkit/metricspipe/internal/deadletter"
)

// DeadLetterStore persists diverted messages for manual inspection and replay.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const (
	deadLetterInsertSQL = `
INSERT INTO dead_letters (message_id, body, reason, receive_count, received_at)
VALUES (@message_id, @body, @reason, @receive_count, @received_at);
`

	deadLetterListSQL = `
SELECT message_id, body, reason, receive_count, received_at
FROM dead_letters
ORDER BY received_at DESC
LIMIT @list_limit;
`
)

const defaultDeadLetterLimit = 100

func (s *DeadLetterStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dead-letter store: nil pool")
	}
	return s.pool, nil
}

// Insert implements deadletter.Sink.
func (s *DeadLetterStore) Insert(ctx context.Context, letter deadletter.Letter) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	receivedAt := letter.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	args := pgx.NamedArgs{
		"message_id":    letter.MessageID,
		"body":          letter.Body,
		"reason":        letter.Reason,
		"receive_count": letter.ReceiveCount,
		"received_at":   receivedAt,
	}
	if _, err := pool.Exec(ctx, deadLetterInsertSQL, args); err != nil {
		return fmt.Errorf("dead-letter store: insert letter: %w", err)
	}
	return nil
}

// List returns the most recently diverted letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]deadletter.Letter, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}

	rows, err := pool.Query(ctx, deadLetterListSQL, pgx.NamedArgs{"list_limit": limit})
	if err != nil {
		return nil, fmt.Errorf("dead-letter store: list letters: %w", err)
	}
	defer rows.Close()

	var letters []deadletter.Letter
	for rows.Next() {
		var letter deadletter.Letter
		if err := rows.Scan(&letter.MessageID, &letter.Body, &letter.Reason, &letter.ReceiveCount, &letter.ReceivedAt); err != nil {
			return nil, fmt.Errorf("dead-letter store: scan letter: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead-letter store: iterate letters: %w", err)
	}
	return letters, nil
}

var _ deadletter.Sink = (*DeadLetterStore)(nil)
