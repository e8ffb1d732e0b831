// Package static serves sessions from server-rendered HTML fetched with colly.
// Waits and clicks are evaluated against the fetched document; scrolling is a
// no-op.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/stayprice-crawler/internal/pricing"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// RespectRobots makes the collector honour robots.txt.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// Driver hands out colly-backed sessions sharing one transport.
type Driver struct {
	cfg       Config
	transport http.RoundTripper
}

// New builds a Driver.
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Driver{cfg: cfg, transport: newHTTPTransport()}
}

// Launch returns a fresh session.
func (d *Driver) Launch(ctx context.Context) (pricing.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !d.cfg.RespectRobots
	c.SetRequestTimeout(d.cfg.Timeout)
	c.WithTransport(d.transport)
	return &Session{collector: c}, nil
}

// Session holds the last document fetched.
type Session struct {
	collector *colly.Collector
	mu        sync.Mutex
	html      string
	doc       *goquery.Document
	closed    bool
}

// Navigate fetches rawURL and parses the response.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if s.isClosed() {
		return fmt.Errorf("session closed")
	}
	// Clones share the parent's HTTP backend but none of its callbacks.
	c := s.collector.Clone()
	c.AllowURLRevisit = true

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	s.mu.Lock()
	s.html, s.doc = string(body), doc
	s.mu.Unlock()
	return nil
}

// WaitForMarker reports ErrMarkerTimeout when the fetched document lacks marker.
func (s *Session) WaitForMarker(ctx context.Context, marker string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	present, err := s.has(marker)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: %s", pricing.ErrMarkerTimeout, marker)
	}
	return nil
}

// ClickIfPresent reports whether marker exists; there is nothing to click.
func (s *Session) ClickIfPresent(ctx context.Context, marker string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.has(marker)
}

// ScrollToBottom only observes cancellation.
func (s *Session) ScrollToBottom(ctx context.Context, _ int, _ time.Duration) error {
	return ctx.Err()
}

// Content returns the raw HTML of the last navigation.
func (s *Session) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return "", fmt.Errorf("no page loaded")
	}
	return s.html, nil
}

// Close releases the document.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.html, s.doc = "", nil
	return nil
}

func (s *Session) has(marker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return false, fmt.Errorf("no page loaded")
	}
	return s.doc.Find(marker).Length() > 0, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
