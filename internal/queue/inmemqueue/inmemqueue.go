// Package inmemqueue is a test double for queue.Client, in the same spirit
// as the teacher's internal/repository/mock package: function fields for
// per-test overrides, plus recorded calls for assertions. It also doubles
// as the queue backing the demo binary's in-process example.
package inmemqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelq/flowqueue/internal/domain"
)

// Queue is an in-memory FIFO that implements queue.Client. Dequeue serves
// from Pending; Ack/Nack record their calls and, for Nack, requeue the
// message at the back of Pending so a redelivery can be observed by tests.
type Queue struct {
	mu      sync.Mutex
	pending []*domain.Message

	DequeueFn func(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error)
	AckFn     func(ctx context.Context, msg *domain.Message) error
	NackFn    func(ctx context.Context, msg *domain.Message) error

	acked  []*domain.Message
	nacked []*domain.Message

	// RequeueOnNack controls whether Nack puts the message back on
	// Pending, mimicking a zero-visibility-timeout redelivery.
	RequeueOnNack bool
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{RequeueOnNack: true}
}

// Enqueue appends one message per body to the pending list, each with a
// fresh ID that also serves as its receipt handle.
func (q *Queue) Enqueue(bodies ...[]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, body := range bodies {
		id := uuid.NewString()
		q.pending = append(q.pending, &domain.Message{
			ID:            id,
			ReceiptHandle: id,
			Body:          body,
		})
	}
}

// EnqueueMessages appends fully-formed messages, preserving caller-set
// fields such as Attributes.
func (q *Queue) EnqueueMessages(msgs ...*domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msgs...)
}

func (q *Queue) Dequeue(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error) {
	if q.DequeueFn != nil {
		return q.DequeueFn(ctx, maxCount, pollTimeout)
	}

	q.mu.Lock()
	n := maxCount
	if n > len(q.pending) {
		n = len(q.pending)
	}
	batch := append([]*domain.Message(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	q.mu.Unlock()

	if len(batch) == 0 {
		// A real long-poll would wait up to pollTimeout; the test double
		// yields briefly so listeners don't spin the CPU.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(minDuration(pollTimeout, 10*time.Millisecond)):
		}
	}

	return batch, nil
}

func (q *Queue) Ack(ctx context.Context, msg *domain.Message) error {
	q.mu.Lock()
	q.acked = append(q.acked, msg)
	q.mu.Unlock()
	if q.AckFn != nil {
		return q.AckFn(ctx, msg)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, msg *domain.Message) error {
	q.mu.Lock()
	q.nacked = append(q.nacked, msg)
	if q.RequeueOnNack {
		q.pending = append(q.pending, msg)
	}
	q.mu.Unlock()
	if q.NackFn != nil {
		return q.NackFn(ctx, msg)
	}
	return nil
}

func (q *Queue) Close() error { return nil }

// Pending reports how many messages are waiting to be dequeued.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Acked returns a copy of the messages acked so far. Tests that poll this
// from a goroutine concurrent with Ack/Nack must go through here rather
// than reading a field directly, which would race under -race.
func (q *Queue) Acked() []*domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Message(nil), q.acked...)
}

// Nacked returns a copy of the messages nacked so far, with the same
// locking rationale as Acked.
func (q *Queue) Nacked() []*domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Message(nil), q.nacked...)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
