// Package listener implements the listener pool described in spec §4.1: N
// long-polling fetchers that gate on room-for-L before issuing a Dequeue
// RPC, then write the batch into the message buffer one message at a time,
// respecting the stop signal.
package listener

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/metrics"
	"github.com/sentinelq/flowqueue/internal/queue"
)

const (
	roomPollInterval = 5 * time.Millisecond
	baseBackoff      = 500 * time.Millisecond
	maxBackoff       = 15 * time.Second
)

// Listener repeatedly long-polls the QueueClient and deposits whatever
// comes back into the shared message buffer.
type Listener struct {
	ID           int
	Client       queue.Client
	Buffer       *buffer.Buffer[*domain.Message]
	DequeueLimit int
	PollTimeout  time.Duration
	Logger       *zap.Logger
}

// Run drives the listener until ctx is cancelled or the client reports a
// fatal error, which it returns unchanged so the caller's errgroup can
// observe it and propagate it to the supervisor.
func (l *Listener) Run(ctx context.Context) error {
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Gate on room-for-L so a full batch always lands atomically —
		// otherwise a listener could claim one slot of capacity, issue a
		// dequeue for up to L messages, and hold the rest outside the
		// buffer where backpressure can't see them.
		for l.Buffer.Room() < l.DequeueLimit {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(roomPollInterval):
			}
		}

		msgs, err := l.Client.Dequeue(ctx, l.DequeueLimit, l.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var fatal *queue.FatalError
			if errors.As(err, &fatal) {
				l.Logger.Error("listener: fatal queue error, stopping",
					zap.Int("listener_id", l.ID), zap.Error(err))
				return err
			}

			metrics.DequeueErrors.Inc()
			l.Logger.Warn("listener: dequeue failed, retrying",
				zap.Int("listener_id", l.ID), zap.Duration("backoff", backoff), zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = baseBackoff

		for _, msg := range msgs {
			msg.ReceivedAt = time.Now()
			if sendErr := l.Buffer.Send(ctx, msg); sendErr != nil {
				// Stop was signaled mid-batch; abandon the remainder
				// cleanly rather than forcing the write.
				return nil
			}
			metrics.Dequeued.Inc()
		}
	}
}
