package nvd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/types"
)

const (
	// nvdUserAgent identifies sync traffic to the API operators.
	nvdUserAgent = "SemperVigilBot/1.0 (+https://sempervigil.dev)"

	// clientTimeout is the outer backstop on one page request.
	clientTimeout = 60 * time.Second

	// windowTimeFormat is the extended ISO-8601 form the API requires
	// for lastModStartDate and lastModEndDate.
	windowTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Window is the lastModified interval a delta sync covers. The zero
// Window means no bounds: a full resync.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the window is unbounded.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// PageRequest describes one page fetch, with the retry policy resolved
// from the runtime snapshot.
type PageRequest struct {
	BaseURL        string
	APIKey         string
	Window         Window
	StartIndex     int
	ResultsPerPage int
	MaxRetries     int
	Backoff        time.Duration
}

// NewPageRequest resolves a page request against the runtime CVE
// settings.
func NewPageRequest(cfg config.CVESettings, apiKey string, w Window, startIndex int) PageRequest {
	return PageRequest{
		BaseURL:        cfg.APIBase,
		APIKey:         apiKey,
		Window:         w,
		StartIndex:     startIndex,
		ResultsPerPage: cfg.ResultsPerPage,
		MaxRetries:     cfg.MaxRetries,
		Backoff:        cfg.Backoff(),
	}
}

// Client pages through the NVD CVE API 2.0. One Client is shared by
// all sync runs in a worker.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

// NewClient returns a Client on the default transport.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{http: newRestyClient(resty.New().SetTimeout(clientTimeout)), log: log}
}

// WithHTTPClient returns a copy of the Client on the given transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	return &Client{http: newRestyClient(resty.NewWithClient(hc)), log: c.log}
}

func newRestyClient(rc *resty.Client) *resty.Client {
	return rc.
		SetHeader("User-Agent", nvdUserAgent).
		SetHeader("Accept", "application/json")
}

// FetchPage GETs one result page. Transport errors, 5xx, 408, and 429
// retry with exponential backoff; other 4xx fail immediately. The
// returned error carries the kind of the last failure.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	bo := backoff.NewExponentialBackOff()
	if req.Backoff > 0 {
		bo.InitialInterval = req.Backoff
	}
	bo.MaxElapsedTime = 0

	var page *Page
	attempt := 0
	op := func() error {
		attempt++
		p, err := c.fetchOnce(ctx, req)
		if err != nil {
			if types.Retryable(err) && ctx.Err() == nil {
				c.log.Debug("retrying nvd page",
					"start_index", req.StartIndex, "attempt", attempt, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		page = p
		return nil
	}
	err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(req.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) fetchOnce(ctx context.Context, req PageRequest) (*Page, error) {
	r := c.http.R().
		SetContext(ctx).
		SetResult(&Page{}).
		SetQueryParam("startIndex", strconv.Itoa(req.StartIndex)).
		SetQueryParam("resultsPerPage", strconv.Itoa(req.ResultsPerPage))
	if !req.Window.IsZero() {
		r.SetQueryParam("lastModStartDate", req.Window.Start.UTC().Format(windowTimeFormat))
		r.SetQueryParam("lastModEndDate", req.Window.End.UTC().Format(windowTimeFormat))
	}
	if req.APIKey != "" {
		r.SetHeader("apiKey", req.APIKey)
	}

	resp, err := r.Get(req.BaseURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.Tagf(types.KindTransient, "nvd page %d: %v", req.StartIndex, err)
	}

	switch {
	case resp.IsSuccess():
		page, ok := resp.Result().(*Page)
		if !ok || page == nil {
			return nil, types.Tagf(types.KindInternal, "nvd page %d: unexpected result shape", req.StartIndex)
		}
		return page, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, types.RateLimited(
			fmt.Errorf("nvd page %d: HTTP 429", req.StartIndex), retryAfter(resp))
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusRequestTimeout:
		return nil, types.Tagf(types.KindTransient, "nvd page %d: HTTP %d", req.StartIndex, resp.StatusCode())
	default:
		return nil, types.Tagf(types.KindPermanent, "nvd page %d: HTTP %d", req.StartIndex, resp.StatusCode())
	}
}

// retryAfter parses a Retry-After header as delay seconds. Garbage
// yields zero.
func retryAfter(resp *resty.Response) time.Duration {
	v := strings.TrimSpace(resp.Header().Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
