package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/secmon/internal/api/gateway"
	"github.com/lvonguyen/secmon/internal/observability"
)

var fastRetry = gateway.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestWebhook_DeliversWithRetry(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  Message
		hits  atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		_ = json.Unmarshal(data, &body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	m := observability.NewMetrics(prometheus.NewRegistry())
	wh := NewWebhook(gateway.NewClient(gateway.ClientOptions{Retry: fastRetry}), srv.URL+"/hooks/", "secmon", time.Second, nil, m)

	wh.Handle(alertEvent())
	wh.Wait()

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, []string{"PUT /hooks/evt-1"}, paths)
	assert.Equal(t, "alice", body.ActorID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("ok")))
}

func TestWebhook_SendReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	wh := NewWebhook(gateway.NewClient(gateway.ClientOptions{Retry: fastRetry}), srv.URL, "secmon", time.Second, nil, nil)
	err := wh.Send(context.Background(), alertEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestWebhook_DeliveriesShareOneBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	limiter := gateway.NewRateLimiter(nil, gateway.RateLimitConfig{Window: time.Minute, MaxRequests: 1}, nil, nil, nil)
	client := gateway.NewClient(gateway.ClientOptions{Limiter: limiter, Retry: fastRetry})
	wh := NewWebhook(client, srv.URL+"/hook", "secmon", time.Second, nil, nil)

	first := alertEvent()
	second := alertEvent()
	second.ID = "evt-2"

	require.NoError(t, wh.Send(context.Background(), first))
	err := wh.Send(context.Background(), second)
	require.ErrorIs(t, err, gateway.ErrRateLimited)
	assert.Contains(t, err.Error(), "/hook ")
	assert.Equal(t, int32(1), hits.Load())
}
