// Package dispatcher implements the ack dispatcher from spec §4.4: it
// drains the done channel until closed-and-empty, routes each message to
// Ack or Nack based on its Nack field, and releases the in-flight permit
// that the worker pool's semaphore is waiting on.
package dispatcher

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelq/flowqueue/internal/audit"
	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/metrics"
	"github.com/sentinelq/flowqueue/internal/queue"
)

const (
	maxAckAttempts = 5
	baseAckBackoff = 200 * time.Millisecond
	maxAckBackoff  = 5 * time.Second
)

// Dispatcher consumes the done channel and finalizes each message against
// the QueueClient.
type Dispatcher struct {
	Done   *buffer.Buffer[*domain.Message]
	Client queue.Client
	Sem    *semaphore.Weighted
	Logger *zap.Logger
	Audit  audit.Sink // optional, nil is a no-op
}

// Run drains Done until it is closed and empty. It always returns nil —
// ack/nack failures are retried with backoff and, if still failing after
// the retry budget, logged and left for the queue's visibility timeout to
// self-heal, per spec §4.4 / §7.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		msg, ok := d.Done.Receive()
		if !ok {
			return nil
		}

		if msg.Nack {
			if err := d.retry(ctx, func() error { return d.Client.Nack(ctx, msg) }); err != nil {
				d.Logger.Error("dispatcher: nack failed after retries", zap.String("message_id", msg.ID), zap.Error(err))
			} else {
				metrics.Nacked.Inc()
			}
			d.record(ctx, msg, "nacked")
		} else {
			if err := d.retry(ctx, func() error { return d.Client.Ack(ctx, msg) }); err != nil {
				d.Logger.Error("dispatcher: ack failed after retries", zap.String("message_id", msg.ID), zap.Error(err))
			} else {
				metrics.Acked.Inc()
			}
			d.record(ctx, msg, "acked")
		}

		d.Sem.Release(1)
		metrics.InFlight.Dec()
	}
}

func (d *Dispatcher) record(ctx context.Context, msg *domain.Message, outcome string) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Record(ctx, msg, outcome); err != nil {
		d.Logger.Warn("dispatcher: audit record failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// retry runs fn with exponential backoff and jitter, matching the
// reconnect backoff the teacher uses for its AMQP consumer. Ack/Nack
// failures are transient I/O per spec §7; the remote queue's own
// redelivery semantics make an eventually-abandoned attempt self-healing.
func (d *Dispatcher) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := baseAckBackoff

	for attempt := 0; attempt < maxAckAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}

		jittered := time.Duration(float64(delay) * (0.75 + 0.5*rand.Float64()))
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}

		delay = time.Duration(math.Min(float64(delay*2), float64(maxAckBackoff)))
	}

	return lastErr
}
