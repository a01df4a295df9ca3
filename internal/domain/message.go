// Package domain holds the types shared across the listener, worker pool,
// and ack dispatcher stages of the consumer pipeline.
package domain

import "time"

// Message is the unit of work that flows from a QueueClient, through the
// message buffer and a worker's handler, into the done channel and finally
// to Ack or Nack. The core treats Body and Attributes as opaque; it only
// ever inspects Nack.
type Message struct {
	// ID is the queue-assigned message identifier.
	ID string

	// ReceiptHandle is the opaque token the QueueClient needs to Ack or
	// Nack this specific delivery attempt.
	ReceiptHandle string

	// Body is the opaque message payload.
	Body []byte

	// Attributes carries provider-specific or caller-supplied metadata.
	// The core never reads this map; it exists purely to be preserved
	// end-to-end from Dequeue through to Ack/Nack.
	Attributes map[string]string

	// ReceivedAt is when the listener pulled this message off the queue.
	ReceivedAt time.Time

	// Attempts is the queue's approximate delivery count for this message,
	// when the provider reports one. Zero means unknown.
	Attempts int

	// Nack is the single field the core inspects on a handler's completion
	// write. False (the default) routes to Ack; true routes to Nack.
	Nack bool

	// VisibilityExtension is an optional hint a handler can set on a
	// message it still holds. The core does not act on it; it is
	// preserved end-to-end as an example of the "other fields" an
	// implementation is allowed to attach per the message contract.
	VisibilityExtension time.Duration
}
