// Package audit provides an optional, durable record of message lifecycle
// transitions, grounded on the teacher's postgres job repository: one
// INSERT per transition, issued with pgxpool. It is purely additive
// — a nil Sink is a no-op, and nothing in the consumer pipeline depends on
// it being present.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelq/flowqueue/internal/domain"
)

// Sink records a message's outcome ("acked" or "nacked"). Implementations
// must not block the dispatcher indefinitely; Record is called once per
// done-channel message, inline on the dispatcher's single goroutine.
type Sink interface {
	Record(ctx context.Context, msg *domain.Message, outcome string) error
}

// PostgresSink appends one row per transition to a consumer_message_log
// table, mirroring the teacher's pgJobRepo.UpdateStatus pattern.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a Sink backed by an existing connection pool. The
// caller owns the pool's lifetime.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Record(ctx context.Context, msg *domain.Message, outcome string) error {
	const query = `
		INSERT INTO consumer_message_log (message_id, receipt_handle, outcome, recorded_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, query, msg.ID, msg.ReceiptHandle, outcome, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", msg.ID, err)
	}
	return nil
}
