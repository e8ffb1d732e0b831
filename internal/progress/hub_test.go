package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	block   chan struct{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func sampleEvent(stage Stage, month int) Event {
	evt := Event{RunID: "run-1", TS: time.Now(), Stage: stage, Destination: "Paris,France", Year: 2025, Month: month}
	if stage == StageMonthFailed {
		evt.Reason = "no_prices"
	}
	return evt
}

func TestHubDeliversEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{}, nil, sink)
	hub.Emit(sampleEvent(StageRunStart, 0))
	hub.Emit(sampleEvent(StageMonthDone, 4))

	require.Eventually(t, func() bool {
		return len(sink.events()) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sink := &stubSink{block: release}
	hub := NewHub(Config{BufferSize: 16}, nil, sink)
	for month := 1; month <= 5; month++ {
		hub.Emit(sampleEvent(StageMonthDone, month))
	}
	close(release)
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.events(), 5)

	// Emits after close are ignored.
	hub.Emit(sampleEvent(StageRunDone, 0))
	require.Len(t, sink.events(), 5)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(sampleEvent(StageRunStart, 0))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 9, hub.dropped.Load(), "first drop is logged and reset")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{}, nil, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(sampleEvent(StageMonthDone, 13))
	hub.Emit(Event{RunID: "r", TS: time.Now(), Stage: StageMonthFailed, Month: 2})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.events())
}

func TestHubCloseHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	sink := &stubSink{block: release}
	hub := NewHub(Config{}, nil, sink)
	hub.Emit(sampleEvent(StageRunStart, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, hub.Close(ctx), context.DeadlineExceeded)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRunStart, 0))
	require.NoError(t, hub.Close(context.Background()))
	Nop{}.Emit(sampleEvent(StageRunStart, 0))
}
