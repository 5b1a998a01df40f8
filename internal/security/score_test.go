package security

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  Severity
	}{
		{EventBruteForceAttempt, SeverityCritical},
		{EventPrivilegeEscalation, SeverityCritical},
		{EventSQLInjectionAttempt, SeverityCritical},
		{EventTokenManipulation, SeverityCritical},
		{EventUnauthorizedAccess, SeverityHigh},
		{EventMaliciousInput, SeverityHigh},
		{EventXSSAttempt, SeverityHigh},
		{EventAPIAbuse, SeverityHigh},
		{EventLoginFailure, SeverityMedium},
		{EventPermissionDenied, SeverityMedium},
		{EventRateLimitExceeded, SeverityMedium},
		{EventInvalidToken, SeverityMedium},
		{EventLoginSuccess, SeverityLow},
		{EventDataExport, SeverityLow},
		{EventType("NOT_A_TYPE"), SeverityLow},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.expected, SeverityFor(tt.eventType))
		})
	}
}

func TestScore_Adjustments(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		details   Details
		ledger    float64
		expected  int
	}{
		{"base medium", EventLoginFailure, nil, 0, 20},
		{"base low", EventLogout, nil, 0, 10},
		{"unknown type gets minimal base", EventType("BOGUS"), nil, 0, UnknownBaseScore},
		{"ledger coupling", EventLoginFailure, nil, 50, 30},
		{"repeated flag", EventLoginFailure, Details{DetailRepeated: true}, 0, 40},
		{"repeated as string", EventLoginFailure, Details{DetailRepeated: "true"}, 0, 40},
		{"anonymizing network", EventLoginFailure, Details{DetailFromAnonymizingNetwork: true}, 0, 50},
		{"suspicious location", EventLoginFailure, Details{DetailSuspiciousLocation: true}, 0, 35},
		{"false flags ignored", EventLoginFailure, Details{DetailRepeated: false, DetailSuspiciousLocation: "no"}, 0, 20},
		{"everything", EventRateLimitExceeded, Details{
			DetailRepeated:               true,
			DetailFromAnonymizingNetwork: true,
			DetailSuspiciousLocation:     true,
		}, 10, 100},
		{"clamped at 100", EventPrivilegeEscalation, Details{DetailRepeated: true}, 100, 100},
		{"negative ledger treated as zero", EventLoginFailure, nil, -40, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, score := Score(tt.eventType, tt.details, tt.ledger)
			assert.Equal(t, tt.expected, score)
		})
	}
}

func TestScore_Deterministic(t *testing.T) {
	details := Details{DetailRepeated: true, DetailSuspiciousLocation: true}

	sev1, score1 := Score(EventXSSAttempt, details, 37.5)
	for i := 0; i < 100; i++ {
		sev, score := Score(EventXSSAttempt, details, 37.5)
		require.Equal(t, sev1, sev)
		require.Equal(t, score1, score)
	}
}

func TestScore_AlwaysInRange(t *testing.T) {
	ledgerValues := []float64{0, 1, 12.3, 50, 99.9, 100, 1e9, math.NaN()}
	flags := []Details{
		nil,
		{DetailRepeated: true},
		{DetailRepeated: true, DetailFromAnonymizingNetwork: true, DetailSuspiciousLocation: true},
	}

	for _, et := range append(EventTypes(), EventType("UNKNOWN")) {
		for _, lv := range ledgerValues {
			for _, d := range flags {
				_, score := Score(et, d, lv)
				assert.GreaterOrEqual(t, score, MinRiskScore)
				assert.LessOrEqual(t, score, MaxRiskScore)
			}
		}
	}
}

func TestBaseScore_TierRanges(t *testing.T) {
	for _, et := range EventTypes() {
		base := BaseScore(et)
		switch SeverityFor(et) {
		case SeverityCritical:
			assert.True(t, base >= 85 && base <= 95, "%s base %d", et, base)
		case SeverityHigh:
			assert.True(t, base >= 60 && base <= 85, "%s base %d", et, base)
		case SeverityMedium:
			assert.True(t, base >= 20 && base <= 40, "%s base %d", et, base)
		default:
			assert.Equal(t, 10, base, "%s", et)
		}
	}
}

func TestDetails_Accessors(t *testing.T) {
	d := Details{
		"flag":  true,
		"num":   1.0,
		"zero":  0,
		"name":  "admin",
		"count": 3,
	}

	assert.True(t, d.Bool("flag"))
	assert.True(t, d.Bool("num"))
	assert.False(t, d.Bool("zero"))
	assert.False(t, d.Bool("missing"))
	assert.Equal(t, "admin", d.String("name"))
	assert.Equal(t, "3", d.String("count"))
	assert.Equal(t, "", d.String("missing"))

	var nilDetails Details
	assert.False(t, nilDetails.Bool("flag"))
	assert.Equal(t, "", nilDetails.String("name"))
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)
	assert.Less(t, Severity("").Rank(), SeverityLow.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
}
