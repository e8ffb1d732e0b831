// Package memory keeps month summaries in-process for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

type mapKey struct {
	destination string
	year, month int
}

// Store is a concurrency-safe map-backed cache.
type Store struct {
	mu      sync.RWMutex
	entries map[mapKey]pricing.MonthSummary
}

// NewStore creates an empty cache.
func NewStore() *Store {
	return &Store{entries: make(map[mapKey]pricing.MonthSummary)}
}

func keyOf(k pricing.MonthKey) mapKey {
	return mapKey{destination: pricing.CanonicalDestination(k.Destination), year: k.Year, month: k.Month}
}

// Get returns the cached summary for key.
func (s *Store) Get(_ context.Context, key pricing.MonthKey) (pricing.MonthSummary, bool, error) {
	if err := key.Validate(); err != nil {
		return pricing.MonthSummary{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.entries[keyOf(key)]
	return summary, ok, nil
}

// Put stores summary under key.
func (s *Store) Put(_ context.Context, key pricing.MonthKey, summary pricing.MonthSummary) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := pricing.ValidateSummary(summary); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[keyOf(key)] = summary
	return nil
}

// Len reports how many entries are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
