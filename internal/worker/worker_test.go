package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/orchestrator"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	queuemem "github.com/JakeFAU/stayprice-crawler/internal/queue/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/storage/memory"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	res   orchestrator.Result
	err   error
	block bool
}

func (f *fakeRunner) RunWithID(ctx context.Context, runID string, _ pricing.RunRequest) (orchestrator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return orchestrator.Result{RunID: runID}, fmt.Errorf("run canceled: %w", ctx.Err())
	}
	res := f.res
	res.RunID = runID
	return res, f.err
}

func summaryFor(t *testing.T, month int) pricing.MonthSummary {
	t.Helper()
	s, err := pricing.Summarize([]float64{100}, pricing.NewStayWindow(2025, month, 7))
	require.NoError(t, err)
	return s
}

func submit(t *testing.T, q *queuemem.Queue, runs *memory.RunStore, id string) {
	t.Helper()
	req := pricing.RunRequest{Destination: "Paris,France", Year: 2025}
	require.NoError(t, runs.CreateRun(context.Background(), pricing.Run{ID: id, Request: req, Status: pricing.RunStatusQueued}))
	require.NoError(t, q.Enqueue(context.Background(), pricing.RunItem{RunID: id, Request: req}))
}

func waitForStatus(t *testing.T, runs *memory.RunStore, id string, status pricing.RunStatus) pricing.Run {
	t.Helper()
	var run pricing.Run
	require.Eventually(t, func() bool {
		got, err := runs.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = got
		return got.Status == status
	}, time.Second, 10*time.Millisecond)
	return run
}

func TestWorker_ProcessRun_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queuemem.NewQueue(4)
	runs := memory.NewRunStore(nil)
	runner := &fakeRunner{res: orchestrator.Result{
		Table: pricing.AnnualTable{
			Destination: "Paris,France",
			Year:        2025,
			Rows:        []pricing.MonthSummary{summaryFor(t, 1), summaryFor(t, 2)},
		},
		Snapshot: pricing.SnapshotRef{URI: "memory://paris.csv", SHA256: "abc", Bytes: 10},
		Failed:   []pricing.FetchOutcome{pricing.Failure(pricing.MonthKey{Destination: "Paris,France", Year: 2025, Month: 3}, pricing.ReasonNoPrices, errors.New("none"))},
	}}
	w := New(q, runs, runner, zap.NewNop())
	go w.Run(ctx)

	submit(t, q, runs, "run-ok")
	run := waitForStatus(t, runs, "run-ok", pricing.RunStatusSucceeded)
	require.Equal(t, []int{1, 2}, run.Months)
	require.Equal(t, []int{3}, run.FailedMonths)
	require.Equal(t, "memory://paris.csv", run.Snapshot.URI)
	require.NotNil(t, run.Started)
	require.NotNil(t, run.Finished)
	require.Empty(t, run.ErrorText)
}

func TestWorker_ProcessRun_TotalFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queuemem.NewQueue(1)
	runs := memory.NewRunStore(nil)
	runner := &fakeRunner{err: pricing.ErrTotalFailure}
	go New(q, runs, runner, nil).Run(ctx)

	submit(t, q, runs, "run-bad")
	run := waitForStatus(t, runs, "run-bad", pricing.RunStatusFailed)
	require.Contains(t, run.ErrorText, pricing.ErrTotalFailure.Error())
	require.Empty(t, run.Months)
}

func TestWorker_CancelMarksRunCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := queuemem.NewQueue(1)
	runs := memory.NewRunStore(nil)
	runner := &fakeRunner{block: true}
	done := make(chan struct{})
	go func() {
		New(q, runs, runner, nil).Run(ctx)
		close(done)
	}()

	submit(t, q, runs, "run-cancel")
	waitForStatus(t, runs, "run-cancel", pricing.RunStatusRunning)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	run := waitForStatus(t, runs, "run-cancel", pricing.RunStatusCanceled)
	require.Contains(t, run.ErrorText, "context canceled")
}

func TestWorker_NoRunnerFailsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queuemem.NewQueue(1)
	runs := memory.NewRunStore(nil)
	go New(q, runs, nil, nil).Run(ctx)

	submit(t, q, runs, "run-none")
	run := waitForStatus(t, runs, "run-none", pricing.RunStatusFailed)
	require.Equal(t, "no runner configured", run.ErrorText)
}

func TestWorker_StopsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	q := queuemem.NewQueue(1)
	q.Close()
	done := make(chan struct{})
	go func() {
		New(q, memory.NewRunStore(nil), &fakeRunner{}, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept polling a closed queue")
	}
}
