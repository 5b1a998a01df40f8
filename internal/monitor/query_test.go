package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

func TestGetSecurityMetrics_CriticalAndLow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.LogSecurityEvent(ctx, security.EventSQLInjectionAttempt, nil, WithActor("attacker"))
	h.svc.LogSecurityEvent(ctx, security.EventLogout, nil, WithActor("bystander"))
	h.flush(t)

	stored := h.events(t, store.EventFilter{})
	require.Len(t, stored, 2)
	wantAvg := float64(stored[0].RiskScore+stored[1].RiskScore) / 2

	m, err := h.svc.GetSecurityMetrics(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalEvents)
	assert.Equal(t, 1, m.CriticalEvents)
	assert.Equal(t, 1, m.HighRiskEvents)
	assert.InDelta(t, wantAvg, m.AverageRiskScore, 1e-9)
	assert.False(t, m.Partial)

	require.Len(t, m.TopRiskUsers, 2)
	assert.Equal(t, "attacker", m.TopRiskUsers[0].ActorID)
	assert.Equal(t, 90, m.TopRiskUsers[0].RiskScore)
}

func TestGetSecurityMetrics_EmptyAndInvalidRange(t *testing.T) {
	h := newHarness(t)

	m, err := h.svc.GetSecurityMetrics(context.Background(), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalEvents)
	assert.Equal(t, 0.0, m.AverageRiskScore)
	assert.NotNil(t, m.TopEventTypes)
	assert.NotNil(t, m.TopRiskUsers)

	_, err = h.svc.GetSecurityMetrics(context.Background(), t0, t0.Add(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestGetSecurityMetrics_FallsBackToBuffer(t *testing.T) {
	h := newHarness(t)
	h.svc.LogSecurityEvent(context.Background(), security.EventLoginFailure, nil, WithActor("u1"))
	h.flush(t)

	h.store.SetFault(store.OpQueryEvents, store.Fault{Err: errors.New("down")})
	m, err := h.svc.GetSecurityMetrics(context.Background(), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, m.Partial)
	assert.Equal(t, 1, m.TotalEvents)
}

func TestSummarize_TopLists(t *testing.T) {
	var evs []*security.Event
	add := func(actor string, typ security.EventType, risk, n int) {
		for i := 0; i < n; i++ {
			evs = append(evs, &security.Event{ID: fmt.Sprintf("%s-%s-%d", actor, typ, i), ActorID: actor, Type: typ, RiskScore: risk})
		}
	}
	add("a", security.EventLoginFailure, 20, 7)
	add("b", security.EventDataAccess, 10, 6)
	add("c", security.EventXSSAttempt, 80, 5)
	add("d", security.EventLogout, 10, 4)
	add("e", security.EventInvalidToken, 35, 3)
	add("f", security.EventAPIAbuse, 60, 2)
	add("", security.EventSystemError, 99, 1)
	for i := 0; i < 12; i++ {
		add(fmt.Sprintf("z%02d", i), security.EventLoginSuccess, 1, 1)
	}

	m := Summarize(evs)

	require.Len(t, m.TopEventTypes, 5)
	assert.Equal(t, security.EventLoginSuccess, m.TopEventTypes[0].Type)
	assert.Equal(t, 12, m.TopEventTypes[0].Count)
	assert.Equal(t, security.EventLoginFailure, m.TopEventTypes[1].Type)
	assert.Equal(t, security.EventLogout, m.TopEventTypes[4].Type)

	require.Len(t, m.TopRiskUsers, 10)
	assert.Equal(t, ActorRisk{ActorID: "c", RiskScore: 400}, m.TopRiskUsers[0])
	assert.Equal(t, ActorRisk{ActorID: "a", RiskScore: 140}, m.TopRiskUsers[1])
	assert.Equal(t, ActorRisk{ActorID: "f", RiskScore: 120}, m.TopRiskUsers[2])
	assert.Equal(t, ActorRisk{ActorID: "e", RiskScore: 105}, m.TopRiskUsers[3])
	assert.Equal(t, ActorRisk{ActorID: "b", RiskScore: 60}, m.TopRiskUsers[4])
	assert.Equal(t, ActorRisk{ActorID: "d", RiskScore: 40}, m.TopRiskUsers[5])
	assert.Equal(t, "z00", m.TopRiskUsers[6].ActorID)
	for _, u := range m.TopRiskUsers {
		assert.NotEmpty(t, u.ActorID)
	}
}

func TestBuffer_BoundedPerActor(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(&security.Event{ID: fmt.Sprint(i), ActorID: "u1", Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	recent := b.Recent("u1", 0)
	require.Len(t, recent, 3)
	assert.Equal(t, "4", recent[0].ID)
	assert.Equal(t, "2", recent[2].ID)
	assert.Equal(t, 3, b.Len())

	assert.Len(t, b.Range(t0.Add(3*time.Second), t0.Add(10*time.Second)), 2)
	assert.Equal(t, 2, b.Prune(t0.Add(4*time.Second)))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Prune(t0.Add(time.Hour)))
	assert.Empty(t, b.Recent("u1", 0))
}
