package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/observability"
)

var (
	// ErrRateLimited is returned when the local budget for an endpoint is spent.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RetryPolicy is capped exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries up to three attempts, 1s doubling to a 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

// Backoff returns the wait before retry number n (1-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Response is a fully read HTTP response that can be shared between callers.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// ClientOptions configures a Client.
type ClientOptions struct {
	HTTPClient *http.Client
	Limiter    *RateLimiter
	Retry      RetryPolicy
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Client performs outbound calls through the rate limiter, the deduplicator
// and the retry policy, in that order.
type Client struct {
	http    *http.Client
	limiter *RateLimiter
	dedup   Deduplicator
	retry   RetryPolicy
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	def := DefaultRetryPolicy()
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = def.MaxAttempts
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = def.BaseDelay
	}
	if opts.Retry.MaxDelay < opts.Retry.BaseDelay {
		opts.Retry.MaxDelay = max(def.MaxDelay, opts.Retry.BaseDelay)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		retry:   opts.Retry,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Do sends req on behalf of clientID, counting it against the budget of
// req's path. Identical concurrent requests share the first caller's round
// trip and its context. A non-nil Response is returned whenever a round trip
// completed, whatever its status.
func (c *Client) Do(ctx context.Context, clientID string, req *http.Request) (*Response, error) {
	return c.DoEndpoint(ctx, clientID, req.URL.Path, req)
}

// DoEndpoint is Do with an explicit rate-limit key, for callers whose URLs
// carry per-request IDs but share one budget.
func (c *Client) DoEndpoint(ctx context.Context, clientID, endpoint string, req *http.Request) (*Response, error) {
	if c.limiter != nil {
		res, err := c.limiter.Check(ctx, clientID, endpoint, req.Method)
		if err != nil {
			return nil, fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !res.Allowed {
			return nil, fmt.Errorf("%w: %s retry after %ds", ErrRateLimited, endpoint, res.RetryAfterSeconds())
		}
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	v, shared, err := c.dedup.Do(req.Method, req.URL.String(), body, func() (any, error) {
		return c.send(ctx, req, body)
	})
	if shared {
		c.logger.Debug("Shared in-flight request", zap.String("method", req.Method), zap.String("endpoint", endpoint))
	}
	resp, _ := v.(*Response)
	return resp, err
}

func (c *Client) send(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	attempts := 1
	if Idempotent(req.Method) {
		attempts = c.retry.MaxAttempts
	}

	var (
		resp *Response
		err  error
	)
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			wait := c.retry.Backoff(n - 1)
			c.metrics.RequestRetried(req.Method)
			c.logger.Debug("Retrying request",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.Int("attempt", n),
				zap.Duration("backoff", wait),
			)
			if serr := sleep(ctx, wait); serr != nil {
				return resp, serr
			}
		}

		resp, err = c.roundTrip(ctx, req, body)
		if resp != nil {
			resp.Attempts = n
		}
		if !shouldRetry(resp, err) {
			return resp, err
		}
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req *http.Request, body []byte) (*Response, error) {
	r := req.Clone(ctx)
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	hr, err := c.http.Do(r)
	if err != nil {
		return nil, err
	}
	defer hr.Body.Close()

	data, err := io.ReadAll(hr.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: hr.StatusCode, Header: hr.Header, Body: data}, nil
}

// Idempotent reports whether method may be safely repeated.
func Idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// shouldRetry allows network errors, 429 and 5xx. Timeouts and auth
// failures are final.
func shouldRetry(resp *Response, err error) bool {
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.Canceled) {
			return false
		}
		return true
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode >= 500:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
