// Package idempotency provides an opt-in handler decorator that turns a
// possibly-non-idempotent handler into one that's safe under the core's
// at-least-once redelivery, using a Redis SETNX-with-TTL lock. Grounded
// directly on the teacher's internal/repository/redis idempotency store.
package idempotency

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sentinelq/flowqueue/internal/domain"
)

const lockKeyPrefix = "flowqueue:lock:"

// Guard deduplicates handler invocations by message ID for the lifetime of
// a TTL window.
type Guard struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewGuard creates a Guard backed by an existing Redis client.
func NewGuard(client *goredis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Guard{client: client, ttl: ttl}
}

// Acquire attempts to claim the processing lock for msg.ID. ok is false if
// another invocation (this delivery or a prior redelivery within the TTL
// window) already holds it — the caller should ack the message as a
// duplicate without re-running the handler, matching the teacher's
// duplicate-ack path in internal/pool/pool.go.
func (g *Guard) Acquire(ctx context.Context, msg *domain.Message) (bool, error) {
	key := lockKeyPrefix + msg.ID
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: acquire lock for %s: %w", msg.ID, err)
	}
	return ok, nil
}

// Release lets the lock expire naturally via its TTL rather than deleting
// it outright, so a handler crash between Acquire and Release still blocks
// a near-term redelivery from double-processing.
func (g *Guard) Release(ctx context.Context, msg *domain.Message) error {
	key := lockKeyPrefix + msg.ID
	return g.client.Expire(ctx, key, g.ttl).Err()
}

// Wrap adapts a workerpool.Handler-shaped function so duplicate deliveries
// are acked without invoking inner. inner and the returned handler share
// the same signature so Wrap composes directly into the flowqueue.Handler
// passed to Start.
func Wrap(g *Guard, inner func(msg *domain.Message, done chan<- *domain.Message)) func(msg *domain.Message, done chan<- *domain.Message) {
	return func(msg *domain.Message, done chan<- *domain.Message) {
		acquired, err := g.Acquire(context.Background(), msg)
		if err != nil {
			// Fail open: if the dedup store itself is unavailable, prefer
			// re-processing (relying on the handler's own idempotency)
			// over blocking delivery entirely.
			inner(msg, done)
			return
		}
		if !acquired {
			done <- msg
			return
		}

		inner(msg, done)
	}
}
