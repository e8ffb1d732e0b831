// Package local implements the file-per-key month summary cache.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// Config captures the parameters for the on-disk cache.
type Config struct {
	// Dir is the root directory holding one subdirectory per destination token.
	Dir string `mapstructure:"dir"`
	// MaxAge expires entries older than this; zero keeps entries forever.
	MaxAge time.Duration `mapstructure:"max_age"`
}

type entry struct {
	Destination string               `json:"destination"`
	Year        int                  `json:"year"`
	Month       int                  `json:"month"`
	CachedAt    time.Time            `json:"cached_at"`
	Summary     pricing.MonthSummary `json:"summary"`
}

// Store persists summaries as <dir>/<token>/<year>-<MM>.json.
type Store struct {
	dir    string
	maxAge time.Duration
	clock  pricing.Clock
}

// New creates the cache directory if needed and checks that it is writable.
func New(cfg Config, clock pricing.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("cache max age must not be negative")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %q is not a directory", cfg.Dir)
	}

	probe, err := os.CreateTemp(cfg.Dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("clean up writable probe: %w", err)
	}

	return &Store{dir: cfg.Dir, maxAge: cfg.MaxAge, clock: clock}, nil
}

// Path returns the file backing key.
func (s *Store) Path(key pricing.MonthKey) string {
	return filepath.Join(s.dir, key.Token(), fmt.Sprintf("%04d-%02d.json", key.Year, key.Month))
}

// Get loads the entry for key. Missing and expired entries are misses; corrupt
// entries are errors.
func (s *Store) Get(_ context.Context, key pricing.MonthKey) (pricing.MonthSummary, bool, error) {
	if err := key.Validate(); err != nil {
		return pricing.MonthSummary{}, false, err
	}
	path := s.Path(key)
	// #nosec G304 -- path is derived from the validated key token.
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return pricing.MonthSummary{}, false, nil
	}
	if err != nil {
		return pricing.MonthSummary{}, false, fmt.Errorf("read cache entry %s: %w", path, err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return pricing.MonthSummary{}, false, fmt.Errorf("decode cache entry %s: %w", path, err)
	}
	if err := pricing.ValidateSummary(e.Summary); err != nil {
		return pricing.MonthSummary{}, false, fmt.Errorf("invalid cache entry %s: %w", path, err)
	}
	if s.maxAge > 0 && s.clock.Now().Sub(e.CachedAt) > s.maxAge {
		return pricing.MonthSummary{}, false, nil
	}
	return e.Summary, true, nil
}

// Put writes the entry through a temp file and rename, replacing any previous
// entry for key.
func (s *Store) Put(_ context.Context, key pricing.MonthKey, summary pricing.MonthSummary) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := pricing.ValidateSummary(summary); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entry{
		Destination: pricing.CanonicalDestination(key.Destination),
		Year:        key.Year,
		Month:       key.Month,
		CachedAt:    s.clock.Now().UTC(),
		Summary:     summary,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := s.Path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache entry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}
