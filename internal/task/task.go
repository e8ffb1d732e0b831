// Package task fetches the price summary for a single destination month.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

var errNoPrices = errors.New("no prices extracted")

// Request addresses one month fetch.
type Request struct {
	Key          pricing.MonthKey
	StayDays     int
	ForceRefresh bool
}

// Fetcher runs month fetch tasks. It is safe for concurrent use; each call
// owns the session it launches.
type Fetcher struct {
	cfg       Config
	cache     pricing.Cache
	driver    pricing.Driver
	extractor pricing.Extractor
	logger    *zap.Logger
}

// New constructs a Fetcher.
func New(
	cfg Config,
	cache pricing.Cache,
	driver pricing.Driver,
	extractor pricing.Extractor,
	logger *zap.Logger,
) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		cache:     cache,
		driver:    driver,
		extractor: extractor,
		logger:    logger,
	}
}

// Fetch returns a summary from the cache or from a fresh browser session.
// Failures are reported in the outcome, never as panics.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (out pricing.FetchOutcome) {
	start := time.Now()
	key := req.Key
	logger := f.logger.With(
		zap.String("destination", key.Destination),
		zap.Int("year", key.Year),
		zap.Int("month", key.Month),
	)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("month fetch panicked", zap.Any("panic", rec))
			attempts := out.Attempts
			out = pricing.Failure(key, pricing.ReasonInternal, fmt.Errorf("month fetch panicked: %v", rec))
			out.Attempts = attempts
		}
		out.Duration = time.Since(start)
	}()

	if err := key.Validate(); err != nil {
		return pricing.Failure(key, pricing.ReasonInternal, err)
	}

	if !req.ForceRefresh {
		summary, ok, err := f.cache.Get(ctx, key)
		switch {
		case err != nil:
			logger.Warn("cache read failed, treating as miss", zap.Error(err))
		case ok:
			logger.Debug("cache hit")
			out = pricing.Success(key, summary)
			out.FromCache = true
			return out
		}
	}
	if err := ctx.Err(); err != nil {
		return pricing.Failure(key, pricing.ReasonCanceled, err)
	}

	stayDays := req.StayDays
	if stayDays <= 0 {
		stayDays = f.cfg.StayDays
	}
	stay := pricing.NewStayWindow(key.Year, key.Month, stayDays)
	searchURL := pricing.SearchQuery{
		BaseURL:     f.cfg.BaseURL,
		Destination: key.Destination,
		Stay:        stay,
		Adults:      f.cfg.Adults,
	}.URL()

	sess, err := f.driver.Launch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return pricing.Failure(key, pricing.ReasonCanceled, ctx.Err())
		}
		logger.Error("browser launch failed", zap.Error(err))
		return pricing.Failure(key, pricing.ReasonDriverInit, err)
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			logger.Warn("session close failed", zap.Error(closeErr))
		}
	}()

	var (
		lastErr        error
		pastNavigation bool
	)
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		out.Attempts = attempt
		samples, navigated, err := f.attempt(ctx, sess, searchURL, logger)
		if ctx.Err() != nil {
			out = pricing.Failure(key, pricing.ReasonCanceled, ctx.Err())
			out.Attempts = attempt
			return out
		}
		if err == nil {
			summary, sumErr := pricing.Summarize(samples, stay)
			if sumErr != nil {
				return pricing.Failure(key, pricing.ReasonInternal, sumErr)
			}
			if putErr := f.cache.Put(ctx, key, summary); putErr != nil {
				logger.Warn("cache write failed", zap.Error(putErr))
			}
			logger.Info("month fetched",
				zap.Int("attempt", attempt),
				zap.Int("samples", summary.SampleSize),
				zap.Float64("avg_price", summary.AvgPrice),
			)
			out = pricing.Success(key, summary)
			out.Attempts = attempt
			return out
		}

		lastErr = err
		pastNavigation = pastNavigation || navigated
		logger.Warn("month fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", f.cfg.MaxRetries),
			zap.Error(err),
		)
		if attempt < f.cfg.MaxRetries {
			if err := sleep(ctx, f.cfg.RetryDelay.Draw()); err != nil {
				out = pricing.Failure(key, pricing.ReasonCanceled, err)
				out.Attempts = attempt
				return out
			}
		}
	}

	reason := pricing.ReasonNoPrices
	if !pastNavigation {
		reason = pricing.ReasonNavigation
	}
	attempts := out.Attempts
	out = pricing.Failure(key, reason, fmt.Errorf("after %d attempts: %w", attempts, lastErr))
	out.Attempts = attempts
	return out
}

// attempt runs one navigate-to-extract pass. navigated reports whether the
// page loaded, which separates navigation failures from empty results.
func (f *Fetcher) attempt(
	ctx context.Context,
	sess pricing.Session,
	searchURL string,
	logger *zap.Logger,
) (samples []float64, navigated bool, err error) {
	if err := sess.Navigate(ctx, searchURL); err != nil {
		return nil, false, err
	}
	if err := sleep(ctx, f.cfg.SettleDelay.Draw()); err != nil {
		return nil, true, err
	}

	if f.cfg.CookieMarker != "" {
		clicked, err := sess.ClickIfPresent(ctx, f.cfg.CookieMarker, f.cfg.CookieTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, true, ctx.Err()
		case err != nil:
			logger.Debug("cookie banner dismissal failed", zap.Error(err))
		case clicked:
			logger.Debug("cookie banner dismissed")
		}
	}

	if err := sess.ScrollToBottom(ctx, f.cfg.ScrollSteps, f.cfg.ScrollPause.Draw()); err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		logger.Debug("scrolling failed", zap.Error(err))
	}

	if err := sess.WaitForMarker(ctx, f.cfg.ReadyMarker, f.cfg.WaitTimeout); err != nil {
		return nil, true, err
	}

	content, err := sess.Content(ctx)
	if err != nil {
		return nil, true, err
	}
	samples = f.extractor.Extract(content)
	if len(samples) == 0 {
		return nil, true, errNoPrices
	}
	return samples, true, nil
}
