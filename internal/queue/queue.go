// Package queue defines the QueueClient contract the core consumes. The
// core never talks to a remote queue directly; it only calls Dequeue, Ack,
// and Nack against this interface, exactly as spec'd in the external
// interfaces section: connection setup, credentials, and DLQ provisioning
// belong to the implementation (see sqsqueue), not to the pipeline.
package queue

import (
	"context"
	"time"

	"github.com/sentinelq/flowqueue/internal/domain"
)

// Client is the collaborator interface the listener pool and the ack
// dispatcher depend on. A Client is safe for concurrent use by multiple
// listeners and by the ack dispatcher simultaneously.
type Client interface {
	// Dequeue long-polls for up to maxCount messages, waiting as long as
	// pollTimeout for at least one. An empty, nil-error result is normal.
	Dequeue(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error)

	// Ack permanently removes a message from the queue.
	Ack(ctx context.Context, msg *domain.Message) error

	// Nack signals that a message should be redelivered, typically by
	// zeroing its visibility timeout.
	Nack(ctx context.Context, msg *domain.Message) error

	// Close releases any resources the client holds (connections,
	// goroutines). Close does not touch in-flight messages.
	Close() error
}

// FatalError wraps a Client error that the listener pool must not retry —
// authentication failures, an unknown queue, or anything else that will
// not heal itself on the next poll. The listener goroutine returns it
// unchanged so it reaches the supervisor's errgroup.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return "queue: fatal " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }
