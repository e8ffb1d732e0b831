// Package robots gates navigations on the target host's robots.txt.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// ErrDisallowed is returned by Check when robots.txt forbids a URL.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// maxBodyBytes caps how much of a robots.txt file is read.
const maxBodyBytes = 1 << 20

// Policy decides whether a URL may be fetched.
type Policy interface {
	Check(ctx context.Context, rawURL string) error
}

// New returns a Policy. When respect is false every URL is allowed.
func New(respect bool, userAgent string, client *http.Client, logger *zap.Logger) Policy {
	if !respect {
		return allowAll{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{client: client, userAgent: userAgent, logger: logger}
}

// Enforcer fetches robots.txt once per host and tests paths against the
// group matching its user agent. Hosts whose robots.txt cannot be fetched are
// allowed.
type Enforcer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
}

// Check returns ErrDisallowed when rawURL may not be fetched.
func (e *Enforcer) Check(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	group := data.FindGroup(e.userAgent)
	if group == nil {
		return nil
	}
	target := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	if !group.Test(target) {
		return fmt.Errorf("%s: %w", parsed.Path, ErrDisallowed)
	}
	return nil
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := e.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	e.cache.Store(hostKey, data)
	return data, nil
}

type allowAll struct{}

func (allowAll) Check(context.Context, string) error { return nil }
