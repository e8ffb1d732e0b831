package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// RunStore provides an in-memory pricing.RunStore for development/testing.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]pricing.Run
	clock pricing.Clock
}

// NewRunStore constructs a RunStore. A nil clock uses wall time.
func NewRunStore(clock pricing.Clock) *RunStore {
	return &RunStore{runs: make(map[string]pricing.Run), clock: clock}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run pricing.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun applies update and stamps start/finish times on transitions.
func (s *RunStore) UpdateRun(_ context.Context, runID string, update pricing.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pricing.ErrRunNotFound
	}
	run.Status = update.Status
	run.ErrorText = update.ErrorText
	run.Snapshot = update.Snapshot
	run.Months = append([]int(nil), update.Months...)
	run.FailedMonths = append([]int(nil), update.FailedMonths...)
	now := s.now()
	if update.Status == pricing.RunStatusRunning && run.Started == nil {
		run.Started = &now
	}
	if update.Status.Terminal() {
		run.Finished = &now
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (pricing.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return pricing.Run{}, pricing.ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recently submitted first. A
// non-positive limit returns all runs.
func (s *RunStore) ListRuns(_ context.Context, limit int) ([]pricing.Run, error) {
	s.mu.RLock()
	out := make([]pricing.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
