package pricing

import (
	"context"
	"time"
)

// Cache stores month summaries keyed by MonthKey. Implementations must be safe
// for concurrent use; a miss is reported as ok == false with a nil error.
type Cache interface {
	Get(ctx context.Context, key MonthKey) (MonthSummary, bool, error)
	Put(ctx context.Context, key MonthKey, summary MonthSummary) error
}

// Extractor turns rendered page content into raw price samples.
type Extractor interface {
	Extract(content string) []float64
}

// Driver launches browser sessions.
type Driver interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one exclusively owned browser instance.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitForMarker returns ErrMarkerTimeout when marker is absent after timeout.
	WaitForMarker(ctx context.Context, marker string, timeout time.Duration) error
	ClickIfPresent(ctx context.Context, marker string, timeout time.Duration) (bool, error)
	ScrollToBottom(ctx context.Context, steps int, pause time.Duration) error
	Content(ctx context.Context) (string, error)
	Close() error
}

// SnapshotWriter persists an assembled table and returns its location.
type SnapshotWriter interface {
	Write(ctx context.Context, snap Snapshot) (SnapshotRef, error)
}

// RunStore tracks runs submitted through the invocation layer.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// RunQueue buffers submitted runs until a worker picks them up.
type RunQueue interface {
	Enqueue(ctx context.Context, item RunItem) error
	Dequeue(ctx context.Context) (RunItem, error)
}

// Publisher pushes run notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
