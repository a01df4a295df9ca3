// Package workerpool implements the two-level concurrency control from
// spec §4.3/§9: a fixed number of worker goroutines (W) each gated by a
// shared in-flight semaphore (M >= W). W bounds how many goroutines are
// actively inside a handler call; M bounds how many handler invocations
// are outstanding — started but not yet acked or nacked — including ones
// whose handler has already returned control after forking background I/O.
package workerpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/metrics"
)

// Handler processes a single message. It must eventually write exactly one
// message to done — synchronously before returning, or later from a
// goroutine it forks off. Failing to do so leaks one in-flight permit.
type Handler func(msg *domain.Message, done chan<- *domain.Message)

// Pool runs Size worker goroutines against a shared message buffer, each
// acquiring one of Sem's permits before taking a message.
type Pool struct {
	Size    int
	Sem     *semaphore.Weighted
	Buffer  *buffer.Buffer[*domain.Message]
	Done    *buffer.Buffer[*domain.Message]
	Handler Handler
	Logger  *zap.Logger

	wg sync.WaitGroup
}

// Start launches Size worker goroutines against ctx. A worker blocked
// waiting for an in-flight permit exits as soon as ctx is cancelled,
// rather than waiting indefinitely for a permit that a stalled handler
// elsewhere may never release — otherwise Stop could never reach the
// workers parked on Acquire to begin with. Call Wait to block until
// they've all exited.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.Size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		// A worker waiting here for a permit isn't reading the message
		// buffer, so closing the buffer alone can't wake it — ctx must
		// be cancelled too. Cancellation before a permit is acquired
		// means nothing is held and nothing needs releasing.
		if err := p.Sem.Acquire(ctx, 1); err != nil {
			p.Logger.Debug("workerpool: stop signaled while waiting for a permit, worker exiting",
				zap.Int("worker_id", id))
			return
		}

		msg, ok := p.Buffer.Receive()
		if !ok {
			p.Sem.Release(1)
			p.Logger.Debug("workerpool: message buffer closed, worker exiting",
				zap.Int("worker_id", id))
			return
		}
		metrics.InFlight.Inc()

		metrics.WorkersActive.Inc()
		start := time.Now()
		p.Handler(msg, p.Done.Chan())
		metrics.HandlerDuration.Observe(time.Since(start).Seconds())
		metrics.WorkersActive.Dec()
		// The permit this invocation holds is released by the ack
		// dispatcher once it consumes the corresponding done-channel
		// write, not here — see spec §4.3 "Permit release".
	}
}
