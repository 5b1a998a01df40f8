package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/secmon/internal/observability"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(10))
}

func TestIdempotent(t *testing.T) {
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete} {
		assert.True(t, Idempotent(m), m)
	}
	for _, m := range []string{http.MethodPost, http.MethodPatch} {
		assert.False(t, Idempotent(m), m)
	}
}

// statusServer replies with the given statuses in order, then 200.
func statusServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := NewClient(ClientOptions{Retry: fastRetry, Metrics: m})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/feed", nil)
	resp, err := c.Do(context.Background(), "svc", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries.WithLabelValues(http.MethodGet)))
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, hits := statusServer(t, 500, 502, 503, 504)
	c := NewClient(ClientOptions{Retry: fastRetry})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), "svc", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_DoesNotRetry(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
	}{
		{"unauthorized", http.MethodGet, http.StatusUnauthorized},
		{"forbidden", http.MethodGet, http.StatusForbidden},
		{"not found", http.MethodGet, http.StatusNotFound},
		{"non idempotent", http.MethodPost, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := statusServer(t, tt.status, tt.status, tt.status)
			c := NewClient(ClientOptions{Retry: fastRetry})

			req, _ := http.NewRequest(tt.method, srv.URL, strings.NewReader("{}"))
			resp, err := c.Do(context.Background(), "svc", req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestClient_DoesNotRetryTimeouts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{
		HTTPClient: &http.Client{Timeout: 20 * time.Millisecond},
		Retry:      fastRetry,
	})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(context.Background(), "svc", req)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_RetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	var calls atomic.Int32
	c := NewClient(ClientOptions{
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return http.DefaultTransport.RoundTrip(r)
		})},
		Retry: fastRetry,
	})
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	_, err := c.Do(context.Background(), "svc", req)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_ReplaysBodyOnRetry(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{Retry: fastRetry})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/blocks/a", strings.NewReader(`{"active":true}`))
	resp, err := c.Do(context.Background(), "svc", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{`{"active":true}`, `{"active":true}`}, bodies)
}

func TestClient_SharesIdenticalInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, "shared")
	}))
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{Retry: fastRetry})
	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/intel?ip=198.51.100.1", nil)
			resp, err := c.Do(context.Background(), "svc", req)
			if err == nil {
				results[i] = string(resp.Body)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestClient_RateLimited(t *testing.T) {
	srv, hits := statusServer(t)
	rep := &fakeReporter{}
	rl := NewRateLimiter(nil, RateLimitConfig{Window: time.Minute, MaxRequests: 1}, rep, nil, nil)
	c := NewClient(ClientOptions{Limiter: rl, Retry: fastRetry})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/feed", nil)
	_, err := c.Do(context.Background(), "svc", req)
	require.NoError(t, err)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/feed", nil)
	_, err = c.Do(context.Background(), "svc", req)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []violation{{"svc", "/feed", 60}}, rep.violations())
}

func TestClient_DoEndpointSharesBudgetAcrossPaths(t *testing.T) {
	srv, hits := statusServer(t)
	rep := &fakeReporter{}
	rl := NewRateLimiter(nil, RateLimitConfig{Window: time.Minute, MaxRequests: 2}, rep, nil, nil)
	c := NewClient(ClientOptions{Limiter: rl, Retry: fastRetry})

	var errs []error
	for _, id := range []string{"a", "b", "c"} {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/hook/"+id, nil)
		_, err := c.DoEndpoint(context.Background(), "secmon", "/hook", req)
		errs = append(errs, err)
	}

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.True(t, errors.Is(errs[2], ErrRateLimited))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []violation{{"secmon", "/hook", 60}}, rep.violations())
}

func TestClient_ContextCancelledDuringBackoff(t *testing.T) {
	srv, _ := statusServer(t, 503, 503, 503)
	c := NewClient(ClientOptions{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	start := time.Now()
	_, err := c.Do(ctx, "svc", req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeduplicator_KeyIncludesBody(t *testing.T) {
	assert.Equal(t, RequestKey("POST", "/x", []byte("a")), RequestKey("POST", "/x", []byte("a")))
	assert.NotEqual(t, RequestKey("POST", "/x", []byte("a")), RequestKey("POST", "/x", []byte("b")))
	assert.NotEqual(t, RequestKey("POST", "/x", nil), RequestKey("PUT", "/x", nil))
}
