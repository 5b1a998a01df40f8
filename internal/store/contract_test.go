package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/secmon/internal/security"
)

func newTestEvent(actor string, t security.EventType, ts time.Time, risk int) *security.Event {
	return &security.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  security.SeverityFor(t),
		Timestamp: ts,
		ActorID:   actor,
		Context:   security.Context{SessionID: "s1", Origin: "unknown"},
		Details:   security.Details{"endpoint": "/login"},
		RiskScore: risk,
	}
}

// runStoreContract exercises the behaviour every backend must share. Actor
// IDs are unique per run so shared databases do not interfere.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("query orders newest first and filters", func(t *testing.T) {
		actor := "actor-" + uuid.NewString()
		other := "actor-" + uuid.NewString()

		for i := 0; i < 4; i++ {
			_, err := s.AppendEvent(ctx, newTestEvent(actor, security.EventLoginFailure, base.Add(time.Duration(i)*time.Minute), 20))
			require.NoError(t, err)
		}
		_, err := s.AppendEvent(ctx, newTestEvent(actor, security.EventLoginSuccess, base.Add(10*time.Minute), 10))
		require.NoError(t, err)
		_, err = s.AppendEvent(ctx, newTestEvent(other, security.EventLoginFailure, base, 20))
		require.NoError(t, err)

		all, err := s.QueryEvents(ctx, EventFilter{ActorID: actor})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].Timestamp.After(all[i-1].Timestamp), "events not ordered newest first")
		}
		assert.Equal(t, security.EventLoginSuccess, all[0].Type)
		assert.Equal(t, "/login", all[0].Details.String("endpoint"))

		failures, err := s.QueryEvents(ctx, EventFilter{
			ActorID: actor,
			Types:   []security.EventType{security.EventLoginFailure},
			Start:   base.Add(time.Minute),
			End:     base.Add(3 * time.Minute),
		})
		require.NoError(t, err)
		assert.Len(t, failures, 3)

		limited, err := s.QueryEvents(ctx, EventFilter{ActorID: actor, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("resolve updates resolution only", func(t *testing.T) {
		ev := newTestEvent("actor-"+uuid.NewString(), security.EventXSSAttempt, base, 80)
		_, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)

		at := base.Add(time.Hour)
		require.NoError(t, s.ResolveEvent(ctx, ev.ID, security.Resolution{
			Resolved:   true,
			ResolvedBy: "analyst",
			ResolvedAt: &at,
			Notes:      "false positive",
		}))

		got, err := s.QueryEvents(ctx, EventFilter{ActorID: ev.ActorID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Resolution.Resolved)
		assert.Equal(t, "analyst", got[0].Resolution.ResolvedBy)
		assert.Equal(t, 80, got[0].RiskScore)
		assert.Equal(t, security.EventXSSAttempt, got[0].Type)

		err = s.ResolveEvent(ctx, uuid.NewString(), security.Resolution{Resolved: true})
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("block upsert refreshes record", func(t *testing.T) {
		actor := "actor-" + uuid.NewString()
		_, err := s.GetBlock(ctx, actor)
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

		first := &security.BlockRecord{
			ActorID: actor, Reason: "brute force", RuleName: "r", EventID: "e1",
			BlockedAt: base, UnblockAt: base.Add(24 * time.Hour), Active: true,
		}
		require.NoError(t, s.SaveBlock(ctx, first))

		second := *first
		second.EventID = "e2"
		second.UnblockAt = base.Add(48 * time.Hour)
		require.NoError(t, s.SaveBlock(ctx, &second))

		got, err := s.GetBlock(ctx, actor)
		require.NoError(t, err)
		assert.Equal(t, "e2", got.EventID)
		assert.True(t, got.UnblockAt.Equal(base.Add(48*time.Hour)))
		assert.True(t, got.IsActive(base))
	})

	t.Run("escalations filtered by status", func(t *testing.T) {
		actor := "actor-" + uuid.NewString()
		pending := &security.EscalationRecord{
			ID: uuid.NewString(), EventID: "e1", RuleName: "r", ActorID: actor,
			Status: security.EscalationPending, Priority: security.PriorityUrgent, CreatedAt: base,
		}
		reviewed := &security.EscalationRecord{
			ID: uuid.NewString(), EventID: "e2", RuleName: "r", ActorID: actor,
			Status: security.EscalationReviewed, Priority: security.PriorityHigh, CreatedAt: base,
		}
		require.NoError(t, s.SaveEscalation(ctx, pending))
		require.NoError(t, s.SaveEscalation(ctx, reviewed))

		list, err := s.ListEscalations(ctx, security.EscalationPending, 0)
		require.NoError(t, err)
		var found bool
		for _, e := range list {
			assert.Equal(t, security.EscalationPending, e.Status)
			if e.ID == pending.ID {
				found = true
				assert.Equal(t, security.PriorityUrgent, e.Priority)
			}
		}
		assert.True(t, found, "pending escalation not listed")
	})

	t.Run("alerts save", func(t *testing.T) {
		require.NoError(t, s.SaveAlert(ctx, &security.AlertRecord{
			ID: uuid.NewString(), EventID: "e1", TriggerEventID: "e0",
			Type: security.EventSuspiciousActivity, Severity: security.SeverityHigh,
			RuleName: "r", Status: security.AlertActive, CreatedAt: base,
		}))
	})

	t.Run("invalid event rejected", func(t *testing.T) {
		_, err := s.AppendEvent(ctx, &security.Event{Type: security.EventLogout})
		assert.True(t, errors.Is(err, ErrInvalidEvent), "got %v", err)
	})
}
