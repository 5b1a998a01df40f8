package security

import "math"

const (
	// MinRiskScore and MaxRiskScore bound every event risk score.
	MinRiskScore = 0
	MaxRiskScore = 100

	// UnknownBaseScore is used for event types outside the closed set.
	UnknownBaseScore = 5
	lowBaseScore     = 10

	ledgerCoupling          = 0.2
	repeatedBonus           = 20
	anonymizingNetworkBonus = 30
	suspiciousLocationBonus = 15
)

// severityByType is the only place severity is decided. Types missing here are low.
var severityByType = map[EventType]Severity{
	EventBruteForceAttempt:   SeverityCritical,
	EventPrivilegeEscalation: SeverityCritical,
	EventSQLInjectionAttempt: SeverityCritical,
	EventTokenManipulation:   SeverityCritical,

	EventUnauthorizedAccess: SeverityHigh,
	EventMaliciousInput:     SeverityHigh,
	EventXSSAttempt:         SeverityHigh,
	EventAPIAbuse:           SeverityHigh,

	EventLoginFailure:      SeverityMedium,
	EventPermissionDenied:  SeverityMedium,
	EventRateLimitExceeded: SeverityMedium,
	EventInvalidToken:      SeverityMedium,
}

var baseScoreByType = map[EventType]int{
	EventBruteForceAttempt:   90,
	EventPrivilegeEscalation: 95,
	EventSQLInjectionAttempt: 90,
	EventTokenManipulation:   85,

	EventUnauthorizedAccess: 70,
	EventMaliciousInput:     75,
	EventXSSAttempt:         80,
	EventAPIAbuse:           60,

	EventLoginFailure:      20,
	EventPermissionDenied:  30,
	EventRateLimitExceeded: 40,
	EventInvalidToken:      35,
}

// SeverityFor returns the static severity tier of t.
func SeverityFor(t EventType) Severity {
	if s, ok := severityByType[t]; ok {
		return s
	}
	return SeverityLow
}

// BaseScore returns the unadjusted risk score of t.
func BaseScore(t EventType) int {
	if s, ok := baseScoreByType[t]; ok {
		return s
	}
	if t.Known() {
		return lowBaseScore
	}
	return UnknownBaseScore
}

// Score maps an event to its severity and 0-100 risk score. actorRisk is the
// actor's ledger value at ingestion time. Score has no side effects.
func Score(t EventType, d Details, actorRisk float64) (Severity, int) {
	if math.IsNaN(actorRisk) || actorRisk < 0 {
		actorRisk = 0
	}

	score := float64(BaseScore(t)) + actorRisk*ledgerCoupling
	if d.Bool(DetailRepeated) {
		score += repeatedBonus
	}
	if d.Bool(DetailFromAnonymizingNetwork) {
		score += anonymizingNetworkBonus
	}
	if d.Bool(DetailSuspiciousLocation) {
		score += suspiciousLocationBonus
	}

	return SeverityFor(t), ClampRisk(int(math.Round(score)))
}

// ClampRisk bounds v to [MinRiskScore, MaxRiskScore].
func ClampRisk(v int) int {
	if v < MinRiskScore {
		return MinRiskScore
	}
	if v > MaxRiskScore {
		return MaxRiskScore
	}
	return v
}
