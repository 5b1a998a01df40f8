package rules

import (
	"time"

	"github.com/lvonguyen/secmon/internal/security"
)

const (
	BruteForceRule          = "brute_force_detection"
	RapidAPIAbuseRule       = "rapid_api_abuse"
	PrivilegeEscalationRule = "privilege_escalation_attempt"
)

// BuiltinRules returns the default rule set in evaluation order.
func BuiltinRules() []Rule {
	return []Rule{
		ThresholdRule(BruteForceRule, security.EventLoginFailure, 5, 15*time.Minute,
			security.SeverityCritical, ActionBlock,
			"Multiple failed login attempts detected"),
		ThresholdRule(RapidAPIAbuseRule, security.EventRateLimitExceeded, 3, 5*time.Minute,
			security.SeverityHigh, ActionAlert,
			"Rapid API abuse detected"),
		{
			Name:        PrivilegeEscalationRule,
			Trigger:     security.EventUnauthorizedAccess,
			Severity:    security.SeverityCritical,
			Action:      ActionEscalate,
			Description: "Attempted privilege escalation detected",
			Condition:   roleMismatch,
		},
	}
}

// roleMismatch requires an attempted role; an absent one is not an attempt.
func roleMismatch(ev *security.Event, _ []*security.Event) bool {
	attempted := ev.Details.String(security.DetailAttemptedRole)
	if attempted == "" {
		return false
	}
	return attempted != ev.Details.String(security.DetailCurrentRole)
}
