package pricing

import (
	"errors"
	"time"
)

var (
	// ErrRunNotFound is returned by run stores for unknown IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrQueueClosed is returned by run queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// RunRequest carries the parameters of one annual fetch. Zero values are
// replaced with configured defaults by the orchestrator.
type RunRequest struct {
	Destination  string `json:"destination"`
	Year         int    `json:"year,omitempty"`
	StayDays     int    `json:"stay_days,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
}

// RunStatus enumerates the lifecycle of a submitted run.
type RunStatus string

// Run states.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Run is the record kept for a run submitted through the API.
type Run struct {
	ID           string      `json:"id"`
	Request      RunRequest  `json:"request"`
	Status       RunStatus   `json:"status"`
	Submitted    time.Time   `json:"submitted"`
	Started      *time.Time  `json:"started,omitempty"`
	Finished     *time.Time  `json:"finished,omitempty"`
	Snapshot     SnapshotRef `json:"snapshot,omitzero"`
	Months       []int       `json:"months,omitempty"`
	FailedMonths []int       `json:"failed_months,omitempty"`
	ErrorText    string      `json:"error,omitempty"`
}

// RunUpdate is applied to a stored run by a worker.
type RunUpdate struct {
	Status       RunStatus
	Snapshot     SnapshotRef
	Months       []int
	FailedMonths []int
	ErrorText    string
}

// RunItem is what the run queue carries.
type RunItem struct {
	RunID     string
	Request   RunRequest
	Submitted time.Time
}
