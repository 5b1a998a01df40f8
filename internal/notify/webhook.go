package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/api/gateway"
	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/security"
)

// Webhook delivers alerts to an HTTP endpoint. Each alert is PUT to
// <base>/<event id> so redelivery is idempotent and therefore retried. All
// deliveries count against the rate-limit budget of the base path.
type Webhook struct {
	client   *gateway.Client
	base     string
	endpoint string
	clientID string
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	wg       sync.WaitGroup
}

// NewWebhook creates a Webhook sending through client.
func NewWebhook(client *gateway.Client, baseURL, clientID string, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(baseURL, "/")
	endpoint := "/"
	if u, err := url.Parse(base); err == nil && u.Path != "" {
		endpoint = u.Path
	}
	return &Webhook{
		client:   client,
		base:     base,
		endpoint: endpoint,
		clientID: clientID,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Send delivers ev and waits for the outcome.
func (w *Webhook) Send(ctx context.Context, ev *security.Event) error {
	body, err := json.Marshal(newMessage(ev))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.base+"/"+url.PathEscape(ev.ID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.DoEndpoint(ctx, w.clientID, w.endpoint, req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Handle is an alert subscriber. Delivery runs in the background so retries
// never hold up the event pipeline.
func (w *Webhook) Handle(ev *security.Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		if err := w.Send(ctx, ev); err != nil {
			w.metrics.AlertPublished("error")
			w.logger.Error("Failed to deliver alert webhook",
				zap.String("event_id", ev.ID),
				zap.String("url", w.base),
				zap.Error(err),
			)
			return
		}
		w.metrics.AlertPublished("ok")
	}()
}

// Wait blocks until every background delivery has finished.
func (w *Webhook) Wait() {
	w.wg.Wait()
}
