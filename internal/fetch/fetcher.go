// Package fetch is the HTTP layer between the scrape loop and the remote
// JSON API: conditional GETs against the Last-Modified cache, post-request
// pacing, and periodic connection recycling.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// Status is the three-way outcome of a conditional fetch. Callers branch on
// it instead of inferring meaning from an empty body.
type Status int

const (
	// Fresh means a 200 with a decodable body.
	Fresh Status = iota
	// NotModified means a 304; the caller already has the latest data.
	NotModified
	// Failed covers transport errors, non-200/304 statuses, and malformed
	// bodies. Treated as absence of data and retried next loop.
	Failed
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case NotModified:
		return "not-modified"
	default:
		return "failed"
	}
}

// LastModifiedCache is the slice of the state store the fetcher needs.
type LastModifiedCache interface {
	HTTPLastModified(url string) string
	SetHTTPLastModified(url, value string)
}

// Client wraps one persistent HTTP session. It is not safe for concurrent
// use; the loop processes boards serially.
type Client struct {
	hc          *http.Client
	jsonTimeout time.Duration
	cache       LastModifiedCache
	log         *slog.Logger
	userAgent   string
	cooldown    time.Duration
	addRandom   bool
	ignoreCache bool
	rng         *rand.Rand
}

// Options configures a Client.
type Options struct {
	UserAgent       string
	CooldownSec     float64
	AddRandom       bool
	IgnoreHTTPCache bool
	Timeout         time.Duration // per JSON request; defaults to 10s
}

// jsonTimeout bounds API requests; media GETs get a much longer leash since
// their bodies are bounded by the expected size instead.
const (
	defaultJSONTimeout = 10 * time.Second
	mediaTimeout       = 5 * time.Minute
)

// New builds a Client around the given Last-Modified cache.
func New(cache LastModifiedCache, log *slog.Logger, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultJSONTimeout
	}
	return &Client{
		hc:          &http.Client{},
		jsonTimeout: timeout,
		cache:       cache,
		log:         log,
		userAgent:   opts.UserAgent,
		cooldown:    time.Duration(opts.CooldownSec * float64(time.Second)),
		addRandom:   opts.AddRandom,
		ignoreCache: opts.IgnoreHTTPCache,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// JSON issues a conditional GET and decodes the body into v on a 200.
// The post-request cooldown sleeps before returning, whatever the outcome.
func (c *Client) JSON(ctx context.Context, url string, v any) (Status, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.jsonTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Failed, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if !c.ignoreCache && c.cache != nil {
		if lm := c.cache.HTTPLastModified(url); lm != "" {
			req.Header.Set("If-Modified-Since", lm)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.sleep(ctx)
		c.log.Warn("Request failed", "url", url, "error", err)
		return Failed, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		c.rememberLastModified(url, resp)
		c.sleep(ctx)
		c.log.Warn("Not modified (304)", "url", url)
		return NotModified, nil

	case http.StatusOK:
		c.rememberLastModified(url, resp)
		body, err := io.ReadAll(resp.Body)
		c.sleep(ctx)
		if err != nil {
			c.log.Warn("Failed to read body (200)", "url", url, "error", err)
			return Failed, nil
		}
		if err := json.Unmarshal(body, v); err != nil {
			c.log.Warn("Failed to parse JSON (200)", "url", url, "error", err)
			return Failed, nil
		}
		return Fresh, nil

	default:
		c.sleep(ctx)
		c.log.Warn("Failed to get JSON", "url", url, "status", resp.StatusCode)
		return Failed, nil
	}
}

// Get issues a plain GET and returns the status code and body. Used for media
// downloads, which bypass the conditional cache. No cooldown is applied here;
// the downloader paces per media class.
func (c *Client) Get(ctx context.Context, url string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, mediaTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// Recycle drops idle connections so a long loop cooldown doesn't resume on a
// stale session. Only worth it when the loop sleeps 15s or longer.
func (c *Client) Recycle(loopCooldownSec float64) {
	if loopCooldownSec < 15.0 {
		return
	}
	c.hc.CloseIdleConnections()
}

func (c *Client) rememberLastModified(url string, resp *http.Response) {
	if c.ignoreCache || c.cache == nil {
		return
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		c.cache.SetHTTPLastModified(url, lm)
	}
}

func (c *Client) sleep(ctx context.Context) {
	d := c.cooldown
	if d <= 0 {
		return
	}
	if c.addRandom {
		d += time.Duration(c.rng.Float64() * float64(time.Second))
	}
	Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// CacheBuster returns a short random query string for media URLs, so
// intermediate caches don't serve stale bodies.
func (c *Client) CacheBuster() string {
	return fmt.Sprintf("?rnd=%08x", c.rng.Uint32())
}
