package task

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Jitter is a closed range a delay is drawn from uniformly.
type Jitter struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// Draw picks a delay in [Min, Max]. A zero range yields zero.
func (j Jitter) Draw() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + time.Duration(rand.Int64N(int64(j.Max-j.Min)+1))
}

// Validate rejects negative or inverted ranges.
func (j Jitter) Validate(name string) error {
	if j.Min < 0 || j.Max < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	if j.Max < j.Min {
		return fmt.Errorf("%s max %s is below min %s", name, j.Max, j.Min)
	}
	return nil
}

// Config is built once per run and shared read-only by every task.
type Config struct {
	BaseURL       string        `mapstructure:"base_url"`
	Adults        int           `mapstructure:"adults"`
	StayDays      int           `mapstructure:"stay_days"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ScrollSteps   int           `mapstructure:"scroll_steps"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	ReadyMarker   string        `mapstructure:"ready_marker"`
	CookieMarker  string        `mapstructure:"cookie_marker"`
	CookieTimeout time.Duration `mapstructure:"cookie_timeout"`
	SettleDelay   Jitter        `mapstructure:"settle_delay"`
	ScrollPause   Jitter        `mapstructure:"scroll_pause"`
	RetryDelay    Jitter        `mapstructure:"retry_delay"`
}

// DefaultConfig returns the timings used against the live search site.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://www.airbnb.fr",
		Adults:        2,
		StayDays:      7,
		MaxRetries:    3,
		ScrollSteps:   6,
		WaitTimeout:   30 * time.Second,
		ReadyMarker:   "[data-testid='card-container']",
		CookieMarker:  "button[data-testid='accept-btn']",
		CookieTimeout: 10 * time.Second,
		SettleDelay:   Jitter{Min: 2 * time.Second, Max: 5 * time.Second},
		ScrollPause:   Jitter{Min: time.Second, Max: 2 * time.Second},
		RetryDelay:    Jitter{Min: 5 * time.Second, Max: 10 * time.Second},
	}
}

// Validate checks the configuration for impossible values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("task.base_url is required")
	}
	if c.Adults < 1 {
		return fmt.Errorf("task.adults must be >= 1")
	}
	if c.StayDays < 1 {
		return fmt.Errorf("task.stay_days must be >= 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("task.max_retries must be >= 1")
	}
	if c.ScrollSteps < 0 {
		return fmt.Errorf("task.scroll_steps must be >= 0")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("task.wait_timeout must be positive")
	}
	if strings.TrimSpace(c.ReadyMarker) == "" {
		return fmt.Errorf("task.ready_marker is required")
	}
	for name, j := range map[string]Jitter{
		"task.settle_delay": c.SettleDelay,
		"task.scroll_pause": c.ScrollPause,
		"task.retry_delay":  c.RetryDelay,
	} {
		if err := j.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
