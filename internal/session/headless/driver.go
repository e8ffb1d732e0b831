// Package headless drives a real Chrome instance through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/stayprice-crawler/internal/metrics"
	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
	"github.com/JakeFAU/stayprice-crawler/internal/session/robots"
)

// DefaultUserAgents is the rotation used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// Config controls how browsers are launched.
type Config struct {
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	UserAgents        []string      `mapstructure:"user_agents"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// HostQPS limits navigations per host across all sessions; zero disables it.
	HostQPS float64 `mapstructure:"host_qps"`
	// RespectRobots refuses navigations the host's robots.txt disallows.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// Driver launches one browser process per session.
type Driver struct {
	cfg      Config
	logger   *zap.Logger
	next     atomic.Uint64
	limiters sync.Map
	robots   robots.Policy
}

// New validates cfg and returns a Driver.
func New(cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.HostQPS < 0 {
		return nil, fmt.Errorf("host qps must be >= 0")
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1920, 1080
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger,
		robots: robots.New(cfg.RespectRobots, cfg.UserAgents[0], nil, logger.Named("robots")),
	}, nil
}

func (d *Driver) userAgent() string {
	n := d.next.Add(1) - 1
	return d.cfg.UserAgents[n%uint64(len(d.cfg.UserAgents))]
}

func (d *Driver) allocatorOptions(userAgent string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(d.cfg.WindowWidth, d.cfg.WindowHeight),
		chromedp.UserAgent(userAgent),
	)
	if d.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts a browser. The session must be closed by the caller.
func (d *Driver) Launch(ctx context.Context) (pricing.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	ua := d.userAgent()
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(ua)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		browserCtx:  browserCtx,
		cancels:     []context.CancelFunc{browserCancel, allocCancel},
		navTimeout:  d.cfg.NavigationTimeout,
		waitForHost: d.waitHostBudget,
		logger:      d.logger,
	}
	// The first Run allocates the browser process and binds its lifetime to
	// the context it receives, so it gets browserCtx itself. ctx can still
	// abort a slow start by tearing the browser down.
	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("launch browser: %w", ctx.Err())
		}
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	err = s.run(ctx, d.cfg.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	}))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configure browser: %w", err)
	}
	d.logger.Debug("browser launched", zap.String("user_agent", ua))
	return s, nil
}

func (d *Driver) waitHostBudget(ctx context.Context, rawURL string) error {
	if err := d.robots.Check(ctx, rawURL); err != nil {
		return err
	}
	if d.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse navigation url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := d.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(d.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	metrics.ObserveNavigationDelay(rawURL, time.Since(start))
	return nil
}

// Session is one chromedp browser bound to a single task.
type Session struct {
	browserCtx  context.Context
	cancels     []context.CancelFunc
	navTimeout  time.Duration
	waitForHost func(context.Context, string) error
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Navigate loads rawURL and waits for the document body.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if err := s.waitForHost(ctx, rawURL); err != nil {
		return err
	}
	if err := s.run(ctx, s.navTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// WaitForMarker blocks until marker is visible or timeout elapses.
func (s *Session) WaitForMarker(ctx context.Context, marker string, timeout time.Duration) error {
	err := s.run(ctx, timeout, chromedp.WaitVisible(marker, chromedp.ByQuery))
	switch {
	case err == nil:
		return nil
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", pricing.ErrMarkerTimeout, marker)
	default:
		return fmt.Errorf("wait for %s: %w", marker, err)
	}
}

// ClickIfPresent clicks marker when it becomes visible within timeout.
func (s *Session) ClickIfPresent(ctx context.Context, marker string, timeout time.Duration) (bool, error) {
	if err := s.WaitForMarker(ctx, marker, timeout); err != nil {
		if errors.Is(err, pricing.ErrMarkerTimeout) {
			return false, nil
		}
		return false, err
	}
	if err := s.run(ctx, timeout, chromedp.Click(marker, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return false, fmt.Errorf("click %s: %w", marker, err)
	}
	return true, nil
}

const scrollScript = `(() => { window.scrollTo(0, document.body.scrollHeight); return document.body.scrollHeight; })()`

// ScrollToBottom scrolls up to steps times, pausing between steps so lazy
// content loads. It stops early once the page height stops growing.
func (s *Session) ScrollToBottom(ctx context.Context, steps int, pause time.Duration) error {
	var last float64
	for i := 0; i < steps; i++ {
		var height float64
		if err := s.run(ctx, s.navTimeout, chromedp.Evaluate(scrollScript, &height)); err != nil {
			return fmt.Errorf("scroll step %d: %w", i+1, err)
		}
		if err := sleep(ctx, pause); err != nil {
			return err
		}
		if i > 0 && height == last {
			return nil
		}
		last = height
	}
	return nil
}

// Content returns the rendered document.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.navTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// Close terminates the browser. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		for _, cancel := range s.cancels {
			cancel()
		}
	})
	return nil
}

// run executes actions against an already started browser, bounded by timeout
// and ended early when ctx is done. The derived context only scopes the
// actions; cancelling it leaves the browser running.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(s.browserCtx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(s.browserCtx)
	}
	defer cancel()

	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
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
