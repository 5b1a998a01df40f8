package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/rules"
	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nats.Msg(nil), f.msgs...)
}

func alertEvent() *security.Event {
	return &security.Event{
		ID:        "evt-1",
		Type:      security.EventSuspiciousActivity,
		Severity:  security.SeverityHigh,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ActorID:   "alice",
		RiskScore: 80,
		Derived:   true,
		Details: security.Details{
			security.DetailRuleName:    rules.RapidAPIAbuseRule,
			security.DetailDescription: "Rapid API abuse detected",
		},
	}
}

func TestPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(conn, "", nil, m)

	p.Handle(alertEvent())

	msgs := conn.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "secmon.alerts.high", msgs[0].Subject)
	assert.Equal(t, "evt-1", msgs[0].Header.Get(nats.MsgIdHdr))

	var body Message
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "alice", body.ActorID)
	assert.Equal(t, rules.RapidAPIAbuseRule, body.RuleName)
	assert.Equal(t, "Rapid API abuse detected", body.Description)
	assert.Equal(t, 80, body.RiskScore)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("ok")))
}

func TestPublisher_HandleLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := observability.NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "ops.alerts", zap.New(core), m)

	assert.NotPanics(t, func() { p.Handle(alertEvent()) })

	entries := logs.FilterMessage("Failed to publish alert").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ops.alerts.high", entries[0].ContextMap()["subject"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("error")))
}

func TestPublisher_SubscribedToMonitor(t *testing.T) {
	st := store.NewMemoryStore()
	svc, err := monitor.New(monitor.Options{Store: st, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	conn := &fakeConn{}
	unsubscribe := svc.OnSecurityAlert(NewPublisher(conn, "", nil, nil).Handle)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		svc.LogSecurityEvent(ctx, security.EventRateLimitExceeded, security.Details{
			security.DetailEndpoint: "/api/v1/events",
		}, monitor.WithActor("bot"))
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Flush(flushCtx))

	msgs := conn.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "secmon.alerts.high", msgs[0].Subject)
}
