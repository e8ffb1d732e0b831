package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stayprice-crawler/internal/cache/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/clock/system"
	memorypublisher "github.com/JakeFAU/stayprice-crawler/internal/publisher/memory"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/progress"
	"github.com/JakeFAU/stayprice-crawler/internal/task"
)

// fakeFetcher answers from fn and tracks how many fetches overlap.
type fakeFetcher struct {
	fn       func(ctx context.Context, req task.Request) pricing.FetchOutcome
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req task.Request) pricing.FetchOutcome {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return f.fn(ctx, req)
}

func succeed(req task.Request) pricing.FetchOutcome {
	stay := pricing.NewStayWindow(req.Key.Year, req.Key.Month, req.StayDays)
	base := float64(100 * req.Key.Month)
	summary, err := pricing.Summarize([]float64{base, base + 10, base + 20}, stay)
	if err != nil {
		panic(err)
	}
	return pricing.Success(req.Key, summary)
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []pricing.Snapshot
	err   error
}

func (s *fakeSnapshots) Write(_ context.Context, snap pricing.Snapshot) (pricing.SnapshotRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return pricing.SnapshotRef{}, s.err
	}
	s.snaps = append(s.snaps, snap)
	return pricing.SnapshotRef{URI: fmt.Sprintf("memory://snap-%d.csv", len(s.snaps)), SHA256: "abc"}, nil
}

func (s *fakeSnapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() map[progress.Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[progress.Stage]int{}
	for _, evt := range r.events {
		out[evt.Stage]++
	}
	return out
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var clockStart = time.Date(2025, 10, 14, 9, 30, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, cfg Config, fetcher Fetcher, snaps pricing.SnapshotWriter, opts ...func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Fetcher:   fetcher,
		Snapshots: snaps,
		Clock:     system.NewFrozen(clockStart),
		IDs:       fixedIDs{id: "run-1"},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	return o
}

func TestRunAllMonthsSucceed(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome {
		// Reverse the natural finishing order so assembly has to sort.
		time.Sleep(time.Duration(13-req.Key.Month) * time.Millisecond)
		return succeed(req)
	}}
	snaps := &fakeSnapshots{}
	o := newTestOrchestrator(t, Config{}, fetcher, snaps)

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025, Workers: 3})
	require.NoError(t, err)

	require.Len(t, res.Table.Rows, 12)
	for i, row := range res.Table.Rows {
		assert.Equal(t, i+1, row.Month)
	}
	assert.Empty(t, res.Failed)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "memory://snap-1.csv", res.Snapshot.URI)
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(3))
	assert.EqualValues(t, 12, fetcher.calls.Load())
	require.Equal(t, 1, snaps.count())
	assert.Equal(t, "Paris,France", snaps.snaps[0].Table.Destination)
	assert.Equal(t, 2025, snaps.snaps[0].Table.Year)
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome {
		if req.Key.Month == 3 || req.Key.Month == 7 {
			return pricing.Failure(req.Key, pricing.ReasonNoPrices, errors.New("no prices extracted"))
		}
		return succeed(req)
	}}
	snaps := &fakeSnapshots{}
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{}, fetcher, snaps, func(d *Deps) { d.Progress = emitter })

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 5, 6, 8, 9, 10, 11, 12}, res.Table.Months())
	require.Len(t, res.Failed, 2)
	assert.Equal(t, 3, res.Failed[0].Key.Month)
	assert.Equal(t, 7, res.Failed[1].Key.Month)
	assert.Equal(t, 1, snaps.count())

	stages := emitter.stages()
	assert.Equal(t, 1, stages[progress.StageRunStart])
	assert.Equal(t, 10, stages[progress.StageMonthDone])
	assert.Equal(t, 2, stages[progress.StageMonthFailed])
	assert.Equal(t, 1, stages[progress.StageRunDone])
}

// stubDriver launches sessions whose pages never contain prices.
type stubDriver struct {
	launches atomic.Int32
	closes   atomic.Int32
}

func (d *stubDriver) Launch(context.Context) (pricing.Session, error) {
	d.launches.Add(1)
	return &stubSession{closes: &d.closes}, nil
}

type stubSession struct {
	closes *atomic.Int32
}

func (*stubSession) Navigate(context.Context, string) error { return nil }
func (*stubSession) WaitForMarker(context.Context, string, time.Duration) error {
	return nil
}
func (*stubSession) ClickIfPresent(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
func (*stubSession) ScrollToBottom(context.Context, int, time.Duration) error { return nil }
func (*stubSession) Content(context.Context) (string, error) {
	return "<html><body>sold out</body></html>", nil
}
func (s *stubSession) Close() error {
	s.closes.Add(1)
	return nil
}

type noPrices struct{}

func (noPrices) Extract(string) []float64 { return nil }

func TestRunTotalFailureWritesNothing(t *testing.T) {
	t.Parallel()

	cache := memory.NewStore()
	driver := &stubDriver{}
	cfg := task.DefaultConfig()
	cfg.BaseURL = "https://example.test"
	cfg.SettleDelay = task.Jitter{}
	cfg.ScrollPause = task.Jitter{}
	cfg.RetryDelay = task.Jitter{}
	fetcher := task.New(cfg, cache, driver, noPrices{}, nil)

	snaps := &fakeSnapshots{}
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{}, fetcher, snaps, func(d *Deps) { d.Progress = emitter })

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025})
	require.ErrorIs(t, err, pricing.ErrTotalFailure)
	assert.Empty(t, res.Table.Rows)
	assert.Len(t, res.Failed, 12)
	for _, out := range res.Failed {
		assert.Equal(t, pricing.ReasonNoPrices, out.Reason)
	}
	assert.Zero(t, cache.Len())
	assert.Zero(t, snaps.count())
	assert.EqualValues(t, 12, driver.launches.Load())
	assert.EqualValues(t, 12, driver.closes.Load(), "every session is disposed once")
	assert.Equal(t, 1, emitter.stages()[progress.StageRunError])
}

func TestRunSecondPassIsServedFromCache(t *testing.T) {
	t.Parallel()

	cache := memory.NewStore()
	driver := &stubDriver{}
	cfg := task.DefaultConfig()
	cfg.SettleDelay, cfg.ScrollPause, cfg.RetryDelay = task.Jitter{}, task.Jitter{}, task.Jitter{}
	prices := extractFunc(func(string) []float64 { return []float64{90, 110} })
	fetcher := task.New(cfg, cache, driver, prices, nil)
	o := newTestOrchestrator(t, Config{}, fetcher, &fakeSnapshots{})

	first, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Lisbon,Portugal", Year: 2025})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Lisbon,Portugal", Year: 2025})
	require.NoError(t, err)

	assert.Equal(t, first.Table.Rows, second.Table.Rows)
	assert.EqualValues(t, 12, driver.launches.Load(), "second run never launches a browser")
	assert.Equal(t, 12, cache.Len())
}

type extractFunc func(string) []float64

func (f extractFunc) Extract(content string) []float64 { return f(content) }

func TestRunDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	var seen atomic.Int32
	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome {
		if req.StayDays != 7 || req.Key.Year != 2025 || req.ForceRefresh {
			seen.Add(1)
		}
		return succeed(req)
	}}
	o := newTestOrchestrator(t, Config{}, fetcher, &fakeSnapshots{})

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France"})
	require.NoError(t, err)
	assert.Equal(t, 2025, res.Table.Year, "year defaults to the clock's year")
	assert.Zero(t, seen.Load())
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(defaultWorkers))

	_, err = o.Run(context.Background(), pricing.RunRequest{Destination: "Paris"})
	require.ErrorIs(t, err, pricing.ErrInvalidKey)
	_, err = o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Workers: -1})
	require.Error(t, err)
	_, err = o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", StayDays: -2})
	require.Error(t, err)
}

func TestRunSnapshotFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome { return succeed(req) }}
	snaps := &fakeSnapshots{err: errors.New("disk full")}
	o := newTestOrchestrator(t, Config{}, fetcher, snaps)

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025})
	require.ErrorContains(t, err, "disk full")
	assert.Len(t, res.Table.Rows, 12)
	assert.Empty(t, res.Snapshot.URI)
}

func TestRunPublishesNotification(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome {
		if req.Key.Month == 12 {
			return pricing.Failure(req.Key, pricing.ReasonDriverInit, errors.New("chrome missing"))
		}
		return succeed(req)
	}}
	pub := memorypublisher.New()
	o := newTestOrchestrator(t, Config{Topic: "snapshots"}, fetcher, &fakeSnapshots{}, func(d *Deps) { d.Publisher = pub })

	_, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "snapshots", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", payload["run_id"])
	assert.Equal(t, "memory://snap-1.csv", payload["snapshot_uri"])
	assert.Equal(t, []int{12}, payload["failed_months"])
	assert.Len(t, payload["months"], 11)
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome { return succeed(req) }}
	pub := memorypublisher.New()
	pub.FailWith(errors.New("topic not found"))
	o := newTestOrchestrator(t, Config{Topic: "snapshots"}, fetcher, &fakeSnapshots{}, func(d *Deps) { d.Publisher = pub })

	res, err := o.Run(context.Background(), pricing.RunRequest{Destination: "Paris,France", Year: 2025})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Snapshot.URI)
}

func TestRunCancellationWaitsForInFlightMonths(t *testing.T) {
	t.Parallel()

	var released atomic.Int32
	started := make(chan struct{}, 12)
	fetcher := &fakeFetcher{fn: func(ctx context.Context, req task.Request) pricing.FetchOutcome {
		started <- struct{}{}
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		released.Add(1)
		return pricing.Failure(req.Key, pricing.ReasonCanceled, ctx.Err())
	}}
	snaps := &fakeSnapshots{}
	o := newTestOrchestrator(t, Config{ShutdownGrace: 5 * time.Second}, fetcher, snaps)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 3; i++ {
			<-started
		}
		cancel()
	}()

	_, err := o.Run(ctx, pricing.RunRequest{Destination: "Paris,France", Year: 2025, Workers: 3})
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 3, released.Load(), "in-flight months finish before Run returns")
	assert.EqualValues(t, 3, fetcher.calls.Load(), "no new months start after cancellation")
	assert.Zero(t, snaps.count())
}

func TestRunCancellationGraceIsBounded(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	started := make(chan struct{}, 12)
	fetcher := &fakeFetcher{fn: func(_ context.Context, req task.Request) pricing.FetchOutcome {
		started <- struct{}{}
		<-block
		return succeed(req)
	}}
	o := newTestOrchestrator(t, Config{ShutdownGrace: 20 * time.Millisecond}, fetcher, &fakeSnapshots{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	_, err := o.Run(ctx, pricing.RunRequest{Destination: "Paris,France", Year: 2025, Workers: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{Snapshots: &fakeSnapshots{}})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Fetcher: &fakeFetcher{}})
	require.Error(t, err)
}
