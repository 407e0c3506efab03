package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	// maxBodyBytes caps how much of a response body is read. Anything
	// larger is a misconfigured export, not a feed.
	maxBodyBytes = 10 << 20

	// clientTimeout is the outer backstop on a single request,
	// independent of the per-source timeout.
	clientTimeout = 90 * time.Second
)

// Request describes one outbound fetch, with per-source overrides
// already resolved against the runtime ingest settings.
type Request struct {
	URL          string
	UserAgent    string
	Headers      map[string]string
	ETag         string
	LastModified string
	Timeout      time.Duration
	MaxRetries   int
	Backoff      time.Duration
	MinInterval  time.Duration
}

// NewRequest resolves the effective fetch parameters for a source:
// per-source overrides win, runtime settings fill the rest.
func NewRequest(src *types.Source, cfg config.IngestSettings) Request {
	req := Request{
		URL:          src.URL,
		UserAgent:    cfg.UserAgent,
		Headers:      src.Headers,
		ETag:         src.ETag,
		LastModified: src.LastModified,
		Timeout:      cfg.Timeout(),
		MaxRetries:   cfg.MaxRetries,
		Backoff:      cfg.Backoff(),
		MinInterval:  cfg.MinRequestInterval(),
	}
	if src.UserAgent != "" {
		req.UserAgent = src.UserAgent
	}
	if src.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(src.TimeoutSeconds) * time.Second
	}
	if src.MaxRetries > 0 {
		req.MaxRetries = src.MaxRetries
	}
	if src.BackoffSeconds > 0 {
		req.Backoff = time.Duration(src.BackoffSeconds * float64(time.Second))
	}
	if src.MinRequestIntervalSeconds > 0 {
		req.MinInterval = time.Duration(src.MinRequestIntervalSeconds * float64(time.Second))
	}
	return req
}

// Response is the outcome of a fetch that reached the server: a 2xx
// with the body, or a 304 with NotModified set and no body.
type Response struct {
	StatusCode   int
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// Fetcher performs conditional HTTP fetches with retries and per-host
// pacing. One Fetcher is shared by all ingest handlers in a worker, so
// concurrent jobs against the same host stay spaced out.
type Fetcher struct {
	client *http.Client
	log    *slog.Logger
	pacer  *hostPacer
}

// NewFetcher returns a Fetcher with the default HTTP client.
func NewFetcher(log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		client: &http.Client{Timeout: clientTimeout},
		log:    log,
		pacer:  newHostPacer(),
	}
}

// WithHTTPClient returns a copy of the Fetcher that uses the given
// client. Pacing state is shared with the original.
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	return &Fetcher{client: c, log: f.log, pacer: f.pacer}
}

// Fetch GETs req.URL honoring the conditional headers and the retry
// policy: transport errors, 5xx, 408, and 429 retry with exponential
// backoff (a Retry-After hint extends the delay); other 4xx fail
// immediately. The returned error carries the kind of the last failure.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, types.Tagf(types.KindValidation, "parse url %q: %v", req.URL, err)
	}
	if err := f.pacer.wait(ctx, u.Host, req.MinInterval); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * req.Backoff
			if hint := types.RetryAfterHint(lastErr); hint > delay {
				delay = hint
			}
			f.log.Debug("retrying fetch",
				"url", req.URL, "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		resp, err := f.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !types.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) do(ctx context.Context, req Request) (*Response, error) {
	rctx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(rctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, types.Tagf(types.KindValidation, "build request for %s: %v", req.URL, err)
	}
	if req.UserAgent != "" {
		hreq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.ETag != "" {
		hreq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		hreq.Header.Set("If-Modified-Since", req.LastModified)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, types.Tagf(types.KindTransient, "fetch %s: %v", req.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		drain(resp.Body)
		return &Response{
			StatusCode:   resp.StatusCode,
			NotModified:  true,
			ETag:         headerOr(resp, "ETag", req.ETag),
			LastModified: headerOr(resp, "Last-Modified", req.LastModified),
		}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return nil, types.Tagf(types.KindTransient, "read %s: %v", req.URL, err)
		}
		if len(body) > maxBodyBytes {
			return nil, types.Tagf(types.KindPermanent, "fetch %s: body exceeds %d bytes", req.URL, maxBodyBytes)
		}
		return &Response{
			StatusCode:   resp.StatusCode,
			Body:         body,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp.Body)
		return nil, types.RateLimited(
			fmt.Errorf("fetch %s: HTTP 429", req.URL), retryAfter(resp))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		drain(resp.Body)
		return nil, types.Tagf(types.KindTransient, "fetch %s: HTTP %d", req.URL, resp.StatusCode)
	default:
		drain(resp.Body)
		return nil, types.Tagf(types.KindPermanent, "fetch %s: HTTP %d", req.URL, resp.StatusCode)
	}
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxBodyBytes))
}

func headerOr(resp *http.Response, key, fallback string) string {
	if v := resp.Header.Get(key); v != "" {
		return v
	}
	return fallback
}

// retryAfter parses a Retry-After header as either delay seconds or an
// HTTP date. Garbage yields zero.
func retryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// hostPacer spaces requests to the same host at least minInterval
// apart. Slots are reserved under the lock, so concurrent callers
// queue up rather than stampede.
type hostPacer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newHostPacer() *hostPacer {
	return &hostPacer{last: make(map[string]time.Time)}
}

func (p *hostPacer) wait(ctx context.Context, host string, minInterval time.Duration) error {
	if minInterval <= 0 || host == "" {
		return nil
	}
	p.mu.Lock()
	now := time.Now()
	at := now
	if next := p.last[host].Add(minInterval); next.After(now) {
		at = next
	}
	p.last[host] = at
	p.mu.Unlock()

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
