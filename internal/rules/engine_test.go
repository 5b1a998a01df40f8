package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(actor string, t security.EventType, at time.Time, details security.Details) *security.Event {
	return &security.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  security.SeverityFor(t),
		Timestamp: at,
		ActorID:   actor,
		Details:   details,
	}
}

func newEngine(t *testing.T, s store.Store) *Engine {
	t.Helper()
	e, err := NewEngine(s, BuiltinRules(), EngineOptions{})
	require.NoError(t, err)
	return e
}

func appendAll(t *testing.T, s store.Store, evs ...*security.Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := s.AppendEvent(context.Background(), ev)
		require.NoError(t, err)
	}
}

func ruleNames(ms []Match) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Rule.Name)
	}
	return out
}

func TestEngine_BruteForce(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEngine(t, s)
	ctx := context.Background()

	var matches []Match
	for i := 0; i < 5; i++ {
		ev := event("u1", security.EventLoginFailure, t0.Add(time.Duration(i)*2*time.Minute), nil)
		appendAll(t, s, ev)

		var err error
		matches, err = e.Evaluate(ctx, ev)
		require.NoError(t, err)
		if i < 4 {
			assert.Empty(t, matches, "failure %d matched early", i+1)
		}
	}
	require.Len(t, matches, 1)
	assert.Equal(t, BruteForceRule, matches[0].Rule.Name)
	assert.Equal(t, ActionBlock, matches[0].Rule.Action)
	assert.Equal(t, security.SeverityCritical, matches[0].Rule.Severity)

	// 20 minutes after the 5th failure only the 5th remains in the 15m window.
	late := event("u1", security.EventLoginFailure, t0.Add(28*time.Minute), nil)
	appendAll(t, s, late)
	matches, err := e.Evaluate(ctx, late)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEngine_CountsCurrentEventWhenNotPersisted(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEngine(t, s)

	for i := 0; i < 4; i++ {
		appendAll(t, s, event("u1", security.EventLoginFailure, t0.Add(time.Duration(i)*time.Minute), nil))
	}
	fifth := event("u1", security.EventLoginFailure, t0.Add(5*time.Minute), nil)

	matches, err := e.Evaluate(context.Background(), fifth)
	require.NoError(t, err)
	assert.Equal(t, []string{BruteForceRule}, ruleNames(matches))
}

func TestEngine_RateLimitAbuse(t *testing.T) {
	s := store.NewMemoryStore()
	e := newEngine(t, s)

	var last []Match
	for i := 0; i < 3; i++ {
		ev := event("u2", security.EventRateLimitExceeded, t0.Add(time.Duration(i)*time.Minute), nil)
		appendAll(t, s, ev)
		var err error
		last, err = e.Evaluate(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{RapidAPIAbuseRule}, ruleNames(last))
	assert.Equal(t, ActionAlert, last[0].Rule.Action)
}

func TestEngine_PrivilegeEscalation(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		details security.Details
		match   bool
	}{
		{"role differs", security.Details{"attemptedRole": "admin", "currentRole": "user"}, true},
		{"no current role", security.Details{"attemptedRole": "admin"}, true},
		{"same role", security.Details{"attemptedRole": "user", "currentRole": "user"}, false},
		{"no attempted role", security.Details{"currentRole": "user"}, false},
		{"no details", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := e.Evaluate(ctx, event("u3", security.EventUnauthorizedAccess, t0, tt.details))
			require.NoError(t, err)
			if tt.match {
				assert.Equal(t, []string{PrivilegeEscalationRule}, ruleNames(matches))
			} else {
				assert.Empty(t, matches)
			}
		})
	}
}

func TestEngine_PrivilegeEscalationIgnoresHistoryFailure(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(store.OpQueryEvents, store.Fault{Err: errors.New("down")})
	e := newEngine(t, s)

	ev := event("u3", security.EventUnauthorizedAccess, t0, security.Details{"attemptedRole": "admin", "currentRole": "user"})
	matches, err := e.Evaluate(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEngine_DerivedEventsNeverMatch(t *testing.T) {
	always := Rule{
		Name:      "always",
		Trigger:   security.EventSuspiciousActivity,
		Severity:  security.SeverityLow,
		Action:    ActionLog,
		Condition: func(*security.Event, []*security.Event) bool { return true },
	}
	e, err := NewEngine(store.NewMemoryStore(), []Rule{always}, EngineOptions{})
	require.NoError(t, err)

	derived := event("u1", security.EventSuspiciousActivity, t0, nil)
	derived.Derived = true
	matches, err := e.Evaluate(context.Background(), derived)
	require.NoError(t, err)
	assert.Empty(t, matches)

	derived.Derived = false
	matches, err = e.Evaluate(context.Background(), derived)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEngine_HistoryTimeoutUsesEmptyHistory(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(store.OpQueryEvents, store.Fault{Delay: time.Second})

	single := ThresholdRule("single", security.EventLoginFailure, 1, time.Minute, security.SeverityLow, ActionLog, "")
	e, err := NewEngine(s, []Rule{single}, EngineOptions{HistoryTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	matches, err := e.Evaluate(context.Background(), event("u1", security.EventLoginFailure, t0, nil))
	assert.ErrorIs(t, err, ErrHistoryTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"single"}, ruleNames(matches))
}

func TestEngine_HistoryErrorSkipsHistoryRules(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetFault(store.OpQueryEvents, store.Fault{Err: errors.New("connection refused")})

	single := ThresholdRule("single", security.EventLoginFailure, 1, time.Minute, security.SeverityLow, ActionLog, "")
	e, err := NewEngine(s, []Rule{single}, EngineOptions{})
	require.NoError(t, err)

	matches, err := e.Evaluate(context.Background(), event("u1", security.EventLoginFailure, t0, nil))
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.Empty(t, matches)
}

func TestEngine_PanickingConditionIsNoMatch(t *testing.T) {
	boom := Rule{
		Name: "boom", Trigger: security.EventDataExport, Severity: security.SeverityHigh, Action: ActionAlert,
		Condition: func(*security.Event, []*security.Event) bool { panic("bad rule") },
	}
	ok := Rule{
		Name: "ok", Trigger: security.EventDataExport, Severity: security.SeverityHigh, Action: ActionAlert,
		Condition: func(*security.Event, []*security.Event) bool { return true },
	}
	e, err := NewEngine(store.NewMemoryStore(), []Rule{boom, ok}, EngineOptions{})
	require.NoError(t, err)

	matches, err := e.Evaluate(context.Background(), event("u1", security.EventDataExport, t0, nil))
	assert.ErrorIs(t, err, ErrConditionPanic)
	assert.Equal(t, []string{"ok"}, ruleNames(matches))
}

func TestEngine_MultipleMatchesInRuleOrder(t *testing.T) {
	var rs []Rule
	for i := 0; i < 3; i++ {
		rs = append(rs, Rule{
			Name: fmt.Sprintf("r%d", i), Trigger: security.EventAdminAction,
			Severity: security.SeverityMedium, Action: ActionLog,
			Condition: func(*security.Event, []*security.Event) bool { return true },
		})
	}
	e, err := NewEngine(nil, rs, EngineOptions{})
	require.NoError(t, err)

	matches, err := e.Evaluate(context.Background(), event("u1", security.EventAdminAction, t0, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r1", "r2"}, ruleNames(matches))
}

func TestEngine_AnonymousActorUsesCurrentEventOnly(t *testing.T) {
	s := store.NewMemoryStore()
	for i := 0; i < 10; i++ {
		appendAll(t, s, event("", security.EventLoginFailure, t0, nil))
	}
	e := newEngine(t, s)

	matches, err := e.Evaluate(context.Background(), event("", security.EventLoginFailure, t0, nil))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestNewEngine_Validation(t *testing.T) {
	cond := func(*security.Event, []*security.Event) bool { return false }

	_, err := NewEngine(nil, []Rule{{Name: "x", Trigger: security.EventLogout, Severity: "bad", Action: ActionLog, Condition: cond}}, EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(nil, []Rule{{Name: "x", Trigger: security.EventLogout, Severity: security.SeverityLow, Action: "nuke", Condition: cond}}, EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(nil, []Rule{{Name: "x", Trigger: security.EventLogout, Severity: security.SeverityLow, Action: ActionLog}}, EngineOptions{})
	assert.Error(t, err)

	dup := Rule{Name: "x", Trigger: security.EventLogout, Severity: security.SeverityLow, Action: ActionLog, Condition: cond}
	_, err = NewEngine(nil, []Rule{dup, dup}, EngineOptions{})
	assert.Error(t, err)
}

func TestBuiltinRules_Order(t *testing.T) {
	var names []string
	for _, r := range BuiltinRules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{BruteForceRule, RapidAPIAbuseRule, PrivilegeEscalationRule}, names)
}

func TestCountInWindow_SkipsDerivedAndOtherTypes(t *testing.T) {
	cur := event("u1", security.EventLoginFailure, t0, nil)
	derived := event("u1", security.EventLoginFailure, t0, nil)
	derived.Derived = true
	history := []*security.Event{
		cur,
		derived,
		event("u1", security.EventLoginSuccess, t0, nil),
		event("u1", security.EventLoginFailure, t0.Add(-15*time.Minute), nil),
		event("u1", security.EventLoginFailure, t0.Add(-16*time.Minute), nil),
	}
	assert.Equal(t, 2, CountInWindow(cur, history, security.EventLoginFailure, 15*time.Minute))
}
