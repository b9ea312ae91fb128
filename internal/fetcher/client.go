// Package fetcher implements the fines lookup client.
package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avtopark/finewatch/internal/model"
)

// Client looks up the currently listed fines for one vehicle.
type Client interface {
	Fetch(ctx context.Context, plate, document string) ([]model.RemoteFine, error)
}

// Options configures the HTTP client.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RatePerSec limits outbound lookups. The orchestrator additionally
	// enforces a fixed inter-vehicle delay; this limiter guards retries
	// and on-demand traffic from the API surface.
	RatePerSec float64
}

// HTTPClient implements Client using net/http with retry and rate limiting.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
}

// NewHTTPClient creates a new HTTPClient with the given options.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "finewatch/1.0"
	}
	if opts.RatePerSec == 0 {
		opts.RatePerSec = 1
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		opts:    opts,
	}
}

// finesResponse is the lookup service envelope. Fines is a pointer so a
// response missing the key entirely can be told apart from an empty list:
// only the latter may drive paid transitions downstream.
type finesResponse struct {
	Fines *[]model.RemoteFine `json:"fines"`
}

// Fetch performs one lookup for the given plate and registration document.
// A well-formed empty list is returned as an empty (non-nil) slice.
func (c *HTTPClient) Fetch(ctx context.Context, plate, document string) ([]model.RemoteFine, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse base url")
	}
	q := u.Query()
	q.Set("number", plate)
	q.Set("sts", document)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: lookup %s", plate)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("fetcher: unexpected status %d for %s", resp.StatusCode, plate)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body for %s", plate)
	}

	var parsed finesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode body for %s", plate)
	}
	if parsed.Fines == nil {
		return nil, eris.Errorf("fetcher: malformed response for %s: missing fines list", plate)
	}

	fines := *parsed.Fines
	if fines == nil {
		fines = []model.RemoteFine{}
	}
	return fines, nil
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := range c.opts.MaxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		cloned := req.Clone(ctx)
		resp, err := c.client.Do(cloned)
		if err != nil {
			lastErr = err
			zap.L().Warn("lookup request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String())
			zap.L().Warn("lookup service error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

func (c *HTTPClient) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
