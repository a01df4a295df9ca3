package listener_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/listener"
	"github.com/sentinelq/flowqueue/internal/queue"
	"github.com/sentinelq/flowqueue/internal/queue/inmemqueue"
)

// TestListener_FillsBufferToCapacity mirrors spec scenario 1: buffer
// capacity 2, one listener, a source of 4 messages served one at a time.
func TestListener_FillsBufferToCapacity(t *testing.T) {
	orig := inmemqueue.New()
	orig.Enqueue([]byte("1"), []byte("2"), []byte("3"), []byte("4"))

	var calls atomic.Int32
	q := inmemqueue.New()
	q.DequeueFn = func(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error) {
		calls.Add(1)
		return orig.Dequeue(ctx, 1, pollTimeout) // force one-at-a-time batches
	}

	buf := buffer.New[*domain.Message](2)
	l := &listener.Listener{
		ID:           0,
		Client:       q,
		Buffer:       buf,
		DequeueLimit: 1,
		PollTimeout:  time.Second,
		Logger:       zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return buf.Count() == 2 })
	if !buf.Full() {
		t.Fatal("expected buffer full at count 2")
	}

	v, ok := buf.Receive()
	if !ok {
		t.Fatal("expected a value")
	}
	_ = v
	if buf.Full() {
		t.Fatal("expected not full after one receive")
	}

	waitFor(t, func() bool { return buf.Count() == 2 })

	cancel()
	<-done
}

func TestListener_StopsOnContextCancel(t *testing.T) {
	q := inmemqueue.New()
	buf := buffer.New[*domain.Message](4)
	l := &listener.Listener{
		Client:       q,
		Buffer:       buf,
		DequeueLimit: 4,
		PollTimeout:  10 * time.Millisecond,
		Logger:       zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestListener_PropagatesFatalError(t *testing.T) {
	fatal := &queue.FatalError{Op: "dequeue", Err: errAuth}
	q := inmemqueue.New()
	q.DequeueFn = func(ctx context.Context, maxCount int, pollTimeout time.Duration) ([]*domain.Message, error) {
		return nil, fatal
	}

	buf := buffer.New[*domain.Message](4)
	l := &listener.Listener{
		Client:       q,
		Buffer:       buf,
		DequeueLimit: 4,
		PollTimeout:  time.Second,
		Logger:       zap.NewNop(),
	}

	err := l.Run(context.Background())
	if err != fatal {
		t.Fatalf("expected fatal error to propagate, got %v", err)
	}
}

var errAuth = &authError{}

type authError struct{}

func (*authError) Error() string { return "auth failed" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
