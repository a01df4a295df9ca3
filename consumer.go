// Package flowqueue implements a concurrent, SQS-style message-consumer
// engine: a listener pool long-polls a QueueClient into a bounded message
// buffer, a worker pool runs a caller-supplied Handler under a two-level
// concurrency bound, and an ack dispatcher drains the resulting done
// channel back to the QueueClient. See SPEC_FULL.md for the full design.
package flowqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelq/flowqueue/internal/audit"
	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/dispatcher"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/listener"
	"github.com/sentinelq/flowqueue/internal/queue"
	"github.com/sentinelq/flowqueue/internal/workerpool"
)

// Message is the type a Handler receives and must eventually route to Ack
// or Nack via the done channel, by setting its Nack field before the write.
type Message = domain.Message

// Handler processes one message. It must write msg to done exactly once —
// synchronously, or later from a goroutine it forks off — leaving Nack
// false to ack or true to nack. Handlers must be idempotent: at-least-once
// delivery means a message can be redelivered after a successful Ack has
// been issued but before the queue has recorded it.
type Handler func(msg *Message, done chan<- *Message)

// Options configures a consumer. A zero Options is invalid; use
// DefaultOptions to start from the spec's documented defaults.
type Options struct {
	// MessageChannelSize bounds the message buffer between listeners and
	// workers.
	MessageChannelSize int

	// NumWorkers is W, the number of worker goroutines (spec §9).
	NumWorkers int

	// NumListeners is N, the number of concurrent long-polling listeners.
	NumListeners int

	// DequeueLimit is L, the maximum batch size per Dequeue call.
	DequeueLimit int

	// MaxConcurrentWork is M, the shared in-flight semaphore bound.
	// Must be >= NumWorkers.
	MaxConcurrentWork int

	// PollTimeout is how long a single Dequeue call may long-poll for.
	PollTimeout time.Duration

	// Logger receives structured logs from every pipeline stage. Defaults
	// to zap.NewNop() if nil.
	Logger *zap.Logger

	// Audit, if set, receives a record of every Ack/Nack outcome.
	Audit audit.Sink
}

// DefaultOptions returns the spec's documented defaults, scaled off the
// number of usable CPUs the way the teacher's worker pool sizing does.
func DefaultOptions() Options {
	cpus := runtime.NumCPU() - 1
	if cpus < 1 {
		cpus = 1
	}

	numListeners := cpus / 10
	if numListeners < 1 {
		numListeners = 1
	}

	maxConcurrent := cpus * 10
	if maxConcurrent < cpus {
		maxConcurrent = cpus
	}

	return Options{
		MessageChannelSize: 20,
		NumWorkers:         cpus,
		NumListeners:       numListeners,
		DequeueLimit:       10,
		MaxConcurrentWork:  maxConcurrent,
		PollTimeout:        20 * time.Second,
		Logger:             zap.NewNop(),
	}
}

func (o Options) validate() error {
	if o.MessageChannelSize < 1 {
		return fmt.Errorf("flowqueue: MessageChannelSize must be >= 1")
	}
	if o.NumWorkers < 1 {
		return fmt.Errorf("flowqueue: NumWorkers must be >= 1")
	}
	if o.NumListeners < 1 {
		return fmt.Errorf("flowqueue: NumListeners must be >= 1")
	}
	if o.DequeueLimit < 1 {
		return fmt.Errorf("flowqueue: DequeueLimit must be >= 1")
	}
	if o.DequeueLimit > o.MessageChannelSize {
		return fmt.Errorf("flowqueue: DequeueLimit (%d) must not exceed MessageChannelSize (%d), or a full batch can never land", o.DequeueLimit, o.MessageChannelSize)
	}
	if o.MaxConcurrentWork < o.NumWorkers {
		return fmt.Errorf("flowqueue: MaxConcurrentWork (%d) must be >= NumWorkers (%d)", o.MaxConcurrentWork, o.NumWorkers)
	}
	return nil
}

// Consumer is a running pipeline handle returned by Start.
type Consumer struct {
	messages *buffer.Buffer[*domain.Message]
	done     *buffer.Buffer[*domain.Message]
	errCh    chan error

	cancel context.CancelFunc
	group  *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// Start launches the listener pool, worker pool, and ack dispatcher and
// returns immediately with a running Consumer. client is the QueueClient
// to dequeue from and ack/nack against.
func Start(ctx context.Context, client queue.Client, handler Handler, opts Options) (*Consumer, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	messages := buffer.New[*domain.Message](opts.MessageChannelSize)
	// The done channel's capacity is the number of workers (spec §3,
	// §4.5 step 3): at most one pending completion per worker slot can
	// be queued up for the dispatcher at a time.
	done := buffer.New[*domain.Message](opts.NumWorkers)
	sem := semaphore.NewWeighted(int64(opts.MaxConcurrentWork))

	for i := 0; i < opts.NumListeners; i++ {
		l := &listener.Listener{
			ID:           i,
			Client:       client,
			Buffer:       messages,
			DequeueLimit: opts.DequeueLimit,
			PollTimeout:  opts.PollTimeout,
			Logger:       opts.Logger,
		}
		group.Go(func() error { return l.Run(groupCtx) })
	}

	pool := &workerpool.Pool{
		Size:    opts.NumWorkers,
		Sem:     sem,
		Buffer:  messages,
		Done:    done,
		Handler: workerpool.Handler(handler),
		Logger:  opts.Logger,
	}
	pool.Start(runCtx)

	disp := &dispatcher.Dispatcher{
		Done:   done,
		Client: client,
		Sem:    sem,
		Logger: opts.Logger,
		Audit:  opts.Audit,
	}
	// The dispatcher drains done after Stop has cancelled runCtx, so its
	// Ack/Nack calls must not inherit that cancellation.
	group.Go(func() error { return disp.Run(context.WithoutCancel(runCtx)) })

	c := &Consumer{
		messages: messages,
		done:     done,
		errCh:    make(chan error, 1),
		cancel:   cancel,
		group:    group,
	}

	go func() {
		// Workers aren't part of the errgroup — they're driven by the
		// message buffer closing and by runCtx cancellation, not solely
		// by the errgroup's own cancellation — so join them here and
		// only then let the dispatcher observe a closed done channel.
		<-groupCtx.Done()
		messages.Close()
		pool.Wait()

		// A handler can still be mid-flight on a goroutine it forked off
		// after its worker returned control — the permit, not thread
		// identity, tracks that work (spec §4.3/§9). Re-acquiring every
		// permit blocks until the last such write has reached the done
		// channel and been released by the dispatcher, so done is only
		// closed once nothing can write to it anymore. A handler that
		// never completes holds its permit forever; that is the handler
		// bug the queue's visibility timeout backstops, not something
		// Stop can safely paper over by closing done out from under it.
		_ = sem.Acquire(context.Background(), int64(opts.MaxConcurrentWork))
		done.Close()

		if err := group.Wait(); err != nil {
			select {
			case c.errCh <- err:
			default:
			}
		}
		close(c.errCh)
	}()

	return c, nil
}

// Err returns a channel that receives at most one fatal error — from a
// listener's QueueClient reporting an unrecoverable failure — and is then
// closed. A fatal error winds the pipeline down on its own: the other
// listeners exit, the workers drain the message buffer, and the dispatcher
// drains the done channel. The error is only delivered once that has
// finished; Stop afterwards returns the same error.
func (c *Consumer) Err() <-chan error { return c.errCh }

// Stop signals every stage to wind down and blocks until the ack
// dispatcher has issued its last Ack/Nack call, per SPEC_FULL.md §4's
// resolution of the spec's open question: every message already written to
// the done channel is guaranteed to have been acked or nacked by the time
// Stop returns. Stop is idempotent and safe to call more than once or
// concurrently with Err.
func (c *Consumer) Stop() error {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.errCh
		c.stopErr = c.group.Wait()
	})
	return c.stopErr
}

// Messages exposes the message buffer for tests that need to observe its
// count, capacity, or closed state directly, per spec §6.
func (c *Consumer) Messages() *buffer.Buffer[*domain.Message] { return c.messages }

// Done exposes the done channel buffer for the same reason as Messages.
func (c *Consumer) Done() *buffer.Buffer[*domain.Message] { return c.done }
