// Package progress reports run lifecycle milestones. Emitters never block: a
// Hub buffers events and hands them to sinks on a background goroutine.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stage names a milestone in a run.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageMonthDone   Stage = "MONTH_DONE"
	StageMonthFailed Stage = "MONTH_FAILED"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
)

// Event is one milestone of a run.
type Event struct {
	RunID       string
	TS          time.Time
	Stage       Stage
	Destination string
	Year        int
	// Month is set on month events only.
	Month     int
	Reason    string
	FromCache bool
	Attempts  int
	Samples   int
	Dur       time.Duration
	Note      string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageMonthDone, StageMonthFailed:
		if e.Month < 1 || e.Month > 12 {
			return fmt.Errorf("month event requires month in 1..12, got %d", e.Month)
		}
		if e.Stage == StageMonthFailed && e.Reason == "" {
			return errors.New("month failure requires a reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Sink consumes batches of events. Consume may be called repeatedly and must
// honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
