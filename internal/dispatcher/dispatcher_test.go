// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	queueMemory "github.com/JakeFAU/stayprice-crawler/internal/queue/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 2)}
	workers := []*worker.Worker{
		worker.New(queue, nil, nil, zap.NewNop()),
		worker.New(queue, nil, nil, zap.NewNop()),
	}
	dispatch := New(queue, workers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for range workers {
		select {
		case <-queue.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not begin dequeuing")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, nil)

	err := dispatch.Enqueue(context.Background(), pricing.RunItem{RunID: "run"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

// TestDispatcherRunReturnsWhenQueueCloses checks that closing the queue drains
// the pool without waiting for the context.
func TestDispatcherRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queue := queueMemory.NewQueue(1)
	queue.Close()
	dispatch := New(queue, []*worker.Worker{worker.New(queue, nil, nil, zap.NewNop())}, nil)

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

// TestDispatcherRunReportsAbandonedRuns checks the shutdown log carries the backlog.
func TestDispatcherRunReportsAbandonedRuns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	queue := queueMemory.NewQueue(4)
	for _, id := range []string{"run-1", "run-2"} {
		if err := queue.Enqueue(context.Background(), pricing.RunItem{RunID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(queue, nil, zap.New(core)).Run(ctx)

	warned := logs.FilterMessage("run workers stopped with runs still queued").All()
	if len(warned) != 1 {
		t.Fatalf("expected one backlog warning, got %d", len(warned))
	}
	if got := warned[0].ContextMap()["abandoned_runs"]; got != int64(2) {
		t.Fatalf("expected 2 abandoned runs, got %v", got)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ pricing.RunItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (pricing.RunItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return pricing.RunItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, pricing.RunItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (pricing.RunItem, error) {
	return pricing.RunItem{}, nil
}
