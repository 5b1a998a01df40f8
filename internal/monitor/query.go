package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/security"
	"github.com/lvonguyen/secmon/internal/store"
)

const (
	topEventTypes  = 5
	topRiskActors  = 10
	highRiskCutoff = 70
)

// TypeCount is one entry of SecurityMetrics.TopEventTypes.
type TypeCount struct {
	Type  security.EventType `json:"type"`
	Count int                `json:"count"`
}

// ActorRisk is one entry of SecurityMetrics.TopRiskUsers.
type ActorRisk struct {
	ActorID   string `json:"actor_id"`
	RiskScore int    `json:"risk_score"`
}

// SecurityMetrics summarises the events stored in a time range.
type SecurityMetrics struct {
	Start            time.Time   `json:"start"`
	End              time.Time   `json:"end"`
	TotalEvents      int         `json:"total_events"`
	CriticalEvents   int         `json:"critical_events"`
	HighRiskEvents   int         `json:"high_risk_events"`
	AverageRiskScore float64     `json:"average_risk_score"`
	TopEventTypes    []TypeCount `json:"top_event_types"`
	TopRiskUsers     []ActorRisk `json:"top_risk_users"`
	// Partial is set when the store was unavailable and only buffered
	// events were counted.
	Partial bool `json:"partial,omitempty"`
}

// GetSecurityMetrics aggregates stored events with start <= timestamp <= end.
// If the store cannot be queried the in-memory buffer is used instead and the
// result is marked Partial.
func (s *Service) GetSecurityMetrics(ctx context.Context, start, end time.Time) (*SecurityMetrics, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	partial := false
	events, err := s.store.QueryEvents(ctx, store.EventFilter{Start: start, End: end})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Metrics query fell back to event buffer", zap.Error(err))
		events = s.buffer.Range(start, end)
		partial = true
	}

	m := Summarize(events)
	m.Start, m.End, m.Partial = start, end, partial
	return m, nil
}

// Summarize computes metrics over events.
func Summarize(events []*security.Event) *SecurityMetrics {
	m := &SecurityMetrics{
		TopEventTypes: []TypeCount{},
		TopRiskUsers:  []ActorRisk{},
	}

	byType := make(map[security.EventType]int)
	byActor := make(map[string]int)
	total := 0

	for _, ev := range events {
		m.TotalEvents++
		total += ev.RiskScore
		if ev.Severity == security.SeverityCritical {
			m.CriticalEvents++
		}
		if ev.RiskScore >= highRiskCutoff {
			m.HighRiskEvents++
		}
		byType[ev.Type]++
		if ev.ActorID != "" {
			byActor[ev.ActorID] += ev.RiskScore
		}
	}
	if m.TotalEvents > 0 {
		m.AverageRiskScore = float64(total) / float64(m.TotalEvents)
	}

	for t, n := range byType {
		m.TopEventTypes = append(m.TopEventTypes, TypeCount{Type: t, Count: n})
	}
	sort.Slice(m.TopEventTypes, func(i, j int) bool {
		a, b := m.TopEventTypes[i], m.TopEventTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})
	if len(m.TopEventTypes) > topEventTypes {
		m.TopEventTypes = m.TopEventTypes[:topEventTypes]
	}

	for actor, risk := range byActor {
		m.TopRiskUsers = append(m.TopRiskUsers, ActorRisk{ActorID: actor, RiskScore: risk})
	}
	sort.Slice(m.TopRiskUsers, func(i, j int) bool {
		a, b := m.TopRiskUsers[i], m.TopRiskUsers[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.ActorID < b.ActorID
	})
	if len(m.TopRiskUsers) > topRiskActors {
		m.TopRiskUsers = m.TopRiskUsers[:topRiskActors]
	}

	return m
}
