// Package worker executes queued runs submitted through the HTTP layer.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

const statusUpdateTimeout = 5 * time.Second

// Runner executes one annual fetch under a caller-assigned ID.
type Runner interface {
	RunWithID(ctx context.Context, runID string, req pricing.RunRequest) (orchestrator.Result, error)
}

// Worker consumes queued runs and records their lifecycle in the run store.
type Worker struct {
	queue  pricing.RunQueue
	runs   pricing.RunStore
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue pricing.RunQueue, runs pricing.RunStore, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runs:   runs,
		runner: runner,
		logger: logger,
	}
}

// Run blocks, consuming queued runs until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pricing.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		w.processRun(ctx, item)
	}
}

func (w *Worker) processRun(ctx context.Context, item pricing.RunItem) {
	logger := w.logger.With(zap.String("run_id", item.RunID))
	if w.runner == nil {
		logger.Error("no runner configured")
		w.update(ctx, item.RunID, pricing.RunUpdate{
			Status:    pricing.RunStatusFailed,
			ErrorText: "no runner configured",
		}, logger)
		return
	}
	if err := w.runs.UpdateRun(ctx, item.RunID, pricing.RunUpdate{Status: pricing.RunStatusRunning}); err != nil {
		logger.Error("update run status failed", zap.Error(err))
		return
	}

	res, err := w.runner.RunWithID(ctx, item.RunID, item.Request)
	w.update(ctx, item.RunID, finalUpdate(res, err), logger)
}

// update writes the status even when ctx has been canceled, so shutdown
// still records canceled runs.
func (w *Worker) update(ctx context.Context, runID string, update pricing.RunUpdate, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancel()
	if err := w.runs.UpdateRun(ctx, runID, update); err != nil {
		logger.Error("final run status update failed", zap.String("status", string(update.Status)), zap.Error(err))
		return
	}
	logger.Info("run settled", zap.String("status", string(update.Status)))
}

func finalUpdate(res orchestrator.Result, err error) pricing.RunUpdate {
	update := pricing.RunUpdate{
		Status:       pricing.RunStatusSucceeded,
		Snapshot:     res.Snapshot,
		Months:       res.Table.Months(),
		FailedMonths: make([]int, 0, len(res.Failed)),
	}
	for _, outcome := range res.Failed {
		update.FailedMonths = append(update.FailedMonths, outcome.Key.Month)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		update.Status = pricing.RunStatusCanceled
		update.ErrorText = err.Error()
	default:
		update.Status = pricing.RunStatusFailed
		update.ErrorText = err.Error()
	}
	return update
}
