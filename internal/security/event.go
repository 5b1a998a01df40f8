// Package security defines the security event model and the severity/risk
// calculator used by the monitoring engine.
package security

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType identifies what happened. The set is closed; anything outside it
// is still recorded but scored as a malformed event.
type EventType string

const (
	// Authentication
	EventLoginSuccess         EventType = "LOGIN_SUCCESS"
	EventLoginFailure         EventType = "LOGIN_FAILURE"
	EventLogout               EventType = "LOGOUT"
	EventPasswordChange       EventType = "PASSWORD_CHANGE"
	EventPasswordResetRequest EventType = "PASSWORD_RESET_REQUEST"
	EventAccountLocked        EventType = "ACCOUNT_LOCKED"
	EventBruteForceAttempt    EventType = "BRUTE_FORCE_ATTEMPT"
	EventSessionExpired       EventType = "SESSION_EXPIRED"

	// Authorization
	EventUnauthorizedAccess  EventType = "UNAUTHORIZED_ACCESS"
	EventPermissionDenied    EventType = "PERMISSION_DENIED"
	EventPrivilegeEscalation EventType = "PRIVILEGE_ESCALATION"

	// Data access
	EventDataAccess          EventType = "DATA_ACCESS"
	EventDataExport          EventType = "DATA_EXPORT"
	EventDataDeletion        EventType = "DATA_DELETION"
	EventSensitiveDataAccess EventType = "SENSITIVE_DATA_ACCESS"

	// Input validation
	EventInvalidInput        EventType = "INVALID_INPUT"
	EventMaliciousInput      EventType = "MALICIOUS_INPUT"
	EventSQLInjectionAttempt EventType = "SQL_INJECTION_ATTEMPT"
	EventXSSAttempt          EventType = "XSS_ATTEMPT"

	// API abuse
	EventRateLimitExceeded EventType = "RATE_LIMIT_EXCEEDED"
	EventAPIAbuse          EventType = "API_ABUSE"
	EventInvalidToken      EventType = "INVALID_TOKEN"
	EventTokenManipulation EventType = "TOKEN_MANIPULATION"

	// System
	EventSuspiciousActivity  EventType = "SUSPICIOUS_ACTIVITY"
	EventSystemError         EventType = "SYSTEM_ERROR"
	EventConfigurationChange EventType = "CONFIGURATION_CHANGE"

	// Admin
	EventAdminAction    EventType = "ADMIN_ACTION"
	EventUserRoleChange EventType = "USER_ROLE_CHANGE"
)

// Category groups event types for reporting.
type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryAuthorization   Category = "authorization"
	CategoryDataAccess      Category = "data_access"
	CategoryInputValidation Category = "input_validation"
	CategoryAPIAbuse        Category = "api_abuse"
	CategorySystem          Category = "system"
	CategoryAdmin           Category = "admin"
	CategoryUnknown         Category = "unknown"
)

var eventCategories = map[EventType]Category{
	EventLoginSuccess:         CategoryAuthentication,
	EventLoginFailure:         CategoryAuthentication,
	EventLogout:               CategoryAuthentication,
	EventPasswordChange:       CategoryAuthentication,
	EventPasswordResetRequest: CategoryAuthentication,
	EventAccountLocked:        CategoryAuthentication,
	EventBruteForceAttempt:    CategoryAuthentication,
	EventSessionExpired:       CategoryAuthentication,

	EventUnauthorizedAccess:  CategoryAuthorization,
	EventPermissionDenied:    CategoryAuthorization,
	EventPrivilegeEscalation: CategoryAuthorization,

	EventDataAccess:          CategoryDataAccess,
	EventDataExport:          CategoryDataAccess,
	EventDataDeletion:        CategoryDataAccess,
	EventSensitiveDataAccess: CategoryDataAccess,

	EventInvalidInput:        CategoryInputValidation,
	EventMaliciousInput:      CategoryInputValidation,
	EventSQLInjectionAttempt: CategoryInputValidation,
	EventXSSAttempt:          CategoryInputValidation,

	EventRateLimitExceeded: CategoryAPIAbuse,
	EventAPIAbuse:          CategoryAPIAbuse,
	EventInvalidToken:      CategoryAPIAbuse,
	EventTokenManipulation: CategoryAPIAbuse,

	EventSuspiciousActivity:  CategorySystem,
	EventSystemError:         CategorySystem,
	EventConfigurationChange: CategorySystem,

	EventAdminAction:    CategoryAdmin,
	EventUserRoleChange: CategoryAdmin,
}

// Known reports whether t belongs to the closed set of event types.
func (t EventType) Known() bool {
	_, ok := eventCategories[t]
	return ok
}

// Category returns the category t belongs to.
func (t EventType) Category() Category {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategoryUnknown
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventCategories))
	for t := range eventCategories {
		out = append(out, t)
	}
	return out
}

// Severity is a coarse ordinal classification of an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four tiers.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity parses a case-insensitive severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity %q", v)
	}
	return s, nil
}

// Details is the free-form payload attached to an event.
type Details map[string]any

// Well-known detail keys.
const (
	DetailRepeated               = "repeated"
	DetailFromAnonymizingNetwork = "fromAnonymizingNetwork"
	DetailSuspiciousLocation     = "suspiciousLocation"
	DetailAttemptedRole          = "attemptedRole"
	DetailCurrentRole            = "currentRole"
	DetailEndpoint               = "endpoint"
	DetailRetryAfterSeconds      = "retryAfterSeconds"
	DetailRuleName               = "ruleName"
	DetailOriginalType           = "originalType"
	DetailOriginalEventID        = "originalEventId"
	DetailDescription            = "description"
)

// Bool reports whether key holds a truthy value: true, "true", or a non-zero number.
func (d Details) Bool(key string) bool {
	if d == nil {
		return false
	}
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

// String returns the value stored under key formatted as a string, or "".
func (d Details) String(key string) string {
	if d == nil {
		return ""
	}
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy so callers cannot mutate a stored event.
func (d Details) Clone() Details {
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Context is best-effort information about where an event came from.
type Context struct {
	SessionID string `json:"session_id" firestore:"session_id"`
	Origin    string `json:"origin" firestore:"origin"`
	Location  string `json:"location" firestore:"location"`
	UserAgent string `json:"user_agent" firestore:"user_agent"`
}

// Resolution is set by a human reviewer, never by the engine.
type Resolution struct {
	Resolved   bool       `json:"resolved" firestore:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty" firestore:"resolved_by"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" firestore:"resolved_at"`
	Notes      string     `json:"notes,omitempty" firestore:"notes"`
}

// Event is an immutable record of something that happened.
type Event struct {
	ID           string     `json:"id" firestore:"id"`
	Type         EventType  `json:"type" firestore:"type"`
	Severity     Severity   `json:"severity" firestore:"severity"`
	SeverityHint Severity   `json:"severity_hint,omitempty" firestore:"severity_hint"`
	Timestamp    time.Time  `json:"timestamp" firestore:"timestamp"`
	ActorID      string     `json:"actor_id,omitempty" firestore:"actor_id"`
	Context      Context    `json:"context" firestore:"context"`
	Details      Details    `json:"details,omitempty" firestore:"details"`
	RiskScore    int        `json:"risk_score" firestore:"risk_score"`
	Derived      bool       `json:"derived" firestore:"derived"`
	Resolution   Resolution `json:"resolution" firestore:"resolution"`
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
)

// AlertRecord is created by the alert action.
type AlertRecord struct {
	ID             string      `json:"id" firestore:"id"`
	EventID        string      `json:"event_id" firestore:"event_id"`
	TriggerEventID string      `json:"trigger_event_id" firestore:"trigger_event_id"`
	Type           EventType   `json:"type" firestore:"type"`
	Severity       Severity    `json:"severity" firestore:"severity"`
	ActorID        string      `json:"actor_id,omitempty" firestore:"actor_id"`
	RuleName       string      `json:"rule_name" firestore:"rule_name"`
	Status         AlertStatus `json:"status" firestore:"status"`
	CreatedAt      time.Time   `json:"created_at" firestore:"created_at"`
}

// BlockRecord is the sole authority for whether an actor is blocked.
type BlockRecord struct {
	ActorID   string    `json:"actor_id" firestore:"actor_id"`
	Reason    string    `json:"reason" firestore:"reason"`
	RuleName  string    `json:"rule_name" firestore:"rule_name"`
	EventID   string    `json:"event_id" firestore:"event_id"`
	BlockedAt time.Time `json:"blocked_at" firestore:"blocked_at"`
	UnblockAt time.Time `json:"unblock_at" firestore:"unblock_at"`
	Active    bool      `json:"active" firestore:"active"`
}

// IsActive reports whether the block still applies at now.
func (b *BlockRecord) IsActive(now time.Time) bool {
	return b != nil && b.Active && now.Before(b.UnblockAt)
}

// EscalationStatus tracks human review.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationReviewed EscalationStatus = "reviewed"
)

// EscalationPriority orders the reviewer queue.
type EscalationPriority string

const (
	PriorityHigh   EscalationPriority = "high"
	PriorityUrgent EscalationPriority = "urgent"
)

// EscalationRecord queues an event for human review.
type EscalationRecord struct {
	ID        string             `json:"id" firestore:"id"`
	EventID   string             `json:"event_id" firestore:"event_id"`
	RuleName  string             `json:"rule_name" firestore:"rule_name"`
	ActorID   string             `json:"actor_id,omitempty" firestore:"actor_id"`
	Status    EscalationStatus   `json:"status" firestore:"status"`
	Priority  EscalationPriority `json:"priority" firestore:"priority"`
	CreatedAt time.Time          `json:"created_at" firestore:"created_at"`
}
