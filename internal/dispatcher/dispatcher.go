// Package dispatcher runs the pool of run workers behind the HTTP layer.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/worker"
)

// backlog is implemented by queues that can report pending runs.
type backlog interface {
	Len() int
}

// Dispatcher owns the run queue and a fixed set of workers draining it.
type Dispatcher struct {
	queue   pricing.RunQueue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher. A nil logger disables logging.
func New(queue pricing.RunQueue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts every worker and blocks until all of them have returned, either
// because ctx ended or because the queue was closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("run workers starting", zap.Int("workers", len(d.workers)))

	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(slot int, wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
			d.logger.Debug("run worker exited", zap.Int("slot", slot))
		}(i, w)
	}
	wg.Wait()

	fields := []zap.Field{zap.NamedError("reason", ctx.Err())}
	if q, ok := d.queue.(backlog); ok {
		if pending := q.Len(); pending > 0 {
			fields = append(fields, zap.Int("abandoned_runs", pending))
			d.logger.Warn("run workers stopped with runs still queued", fields...)
			return
		}
	}
	d.logger.Info("run workers stopped", fields...)
}

// Enqueue hands a run to the worker pool, waiting for capacity until ctx ends.
func (d *Dispatcher) Enqueue(ctx context.Context, item pricing.RunItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
