package gateway

import (
	"context"

	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/security"
)

// EventReporter receives rate-limit violations.
type EventReporter interface {
	RateLimitExceeded(ctx context.Context, actorID, endpoint string, retryAfterSeconds int)
}

// SecurityLogger is the ingestion entry point of the monitor.
type SecurityLogger interface {
	LogSecurityEvent(ctx context.Context, t security.EventType, d security.Details, opts ...monitor.LogOption)
}

type monitorReporter struct {
	log SecurityLogger
}

// NewMonitorReporter turns violations into RATE_LIMIT_EXCEEDED events.
func NewMonitorReporter(l SecurityLogger) EventReporter {
	return monitorReporter{log: l}
}

func (r monitorReporter) RateLimitExceeded(ctx context.Context, actorID, endpoint string, retryAfterSeconds int) {
	r.log.LogSecurityEvent(ctx, security.EventRateLimitExceeded, security.Details{
		security.DetailEndpoint:          endpoint,
		security.DetailRetryAfterSeconds: retryAfterSeconds,
	}, monitor.WithActor(actorID))
}
