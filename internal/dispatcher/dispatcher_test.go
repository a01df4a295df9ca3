package dispatcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelq/flowqueue/internal/buffer"
	"github.com/sentinelq/flowqueue/internal/dispatcher"
	"github.com/sentinelq/flowqueue/internal/domain"
	"github.com/sentinelq/flowqueue/internal/queue/inmemqueue"
)

func TestDispatcher_RoutesAckAndNack(t *testing.T) {
	q := inmemqueue.New()
	done := buffer.New[*domain.Message](8)
	sem := semaphore.NewWeighted(2)
	sem.Acquire(context.Background(), 2)

	d := &dispatcher.Dispatcher{Done: done, Client: q, Sem: sem, Logger: zap.NewNop()}

	finished := make(chan error, 1)
	go func() { finished <- d.Run(context.Background()) }()

	okMsg := &domain.Message{ID: "ok", ReceiptHandle: "ok"}
	nackMsg := &domain.Message{ID: "bad", ReceiptHandle: "bad", Nack: true}

	if err := done.Send(context.Background(), okMsg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := done.Send(context.Background(), nackMsg); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool { return q.Pending() == 1 }) // nack requeues

	done.Close()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit after done closed")
	}

	if acked := q.Acked(); len(acked) != 1 || acked[0].ID != "ok" {
		t.Errorf("expected ok to be acked, got %+v", acked)
	}
	if nacked := q.Nacked(); len(nacked) != 1 || nacked[0].ID != "bad" {
		t.Errorf("expected bad to be nacked, got %+v", nacked)
	}

	// Both permits should have been released back to the semaphore.
	if !sem.TryAcquire(2) {
		t.Error("expected both permits released by the dispatcher")
	}
}

func TestDispatcher_RetriesTransientAckFailureThenGivesUp(t *testing.T) {
	q := inmemqueue.New()
	attempts := 0
	q.AckFn = func(ctx context.Context, msg *domain.Message) error {
		attempts++
		return errors.New("transient send failure")
	}

	done := buffer.New[*domain.Message](4)
	sem := semaphore.NewWeighted(1)
	sem.Acquire(context.Background(), 1)

	d := &dispatcher.Dispatcher{Done: done, Client: q, Sem: sem, Logger: zap.NewNop()}

	finished := make(chan error, 1)
	go func() { finished <- d.Run(context.Background()) }()

	if err := done.Send(context.Background(), &domain.Message{ID: "m", ReceiptHandle: "m"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	done.Close()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not exit after exhausting retries")
	}

	if attempts != 5 {
		t.Errorf("expected the retry budget of 5 attempts, got %d", attempts)
	}
	if !sem.TryAcquire(1) {
		t.Error("expected the permit to be released even after ack gives up")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
