// Package api exposes the monitor over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/api/gateway"
	"github.com/lvonguyen/secmon/internal/environment"
	"github.com/lvonguyen/secmon/internal/monitor"
	"github.com/lvonguyen/secmon/internal/observability"
	"github.com/lvonguyen/secmon/internal/rules"
	"github.com/lvonguyen/secmon/internal/security"
)

// ActorHeader names the caller on API requests. Requests without it are
// rate limited by client address.
const ActorHeader = "X-Actor-ID"

// Monitor is the part of *monitor.Service the API serves.
type Monitor interface {
	LogSecurityEvent(ctx context.Context, t security.EventType, d security.Details, opts ...monitor.LogOption)
	GetSecurityMetrics(ctx context.Context, start, end time.Time) (*monitor.SecurityMetrics, error)
	IsBlocked(ctx context.Context, actorID string) (bool, error)
	Block(ctx context.Context, actorID string) (*security.BlockRecord, error)
	Unblock(ctx context.Context, actorID string) error
	ResolveEvent(ctx context.Context, eventID, resolvedBy, notes string) error
	Escalations(ctx context.Context, status security.EscalationStatus, limit int) ([]*security.EscalationRecord, error)
	RecentEvents(actorID string, limit int) []*security.Event
	LedgerRisk(actorID string) float64
	Rules() []rules.Rule
	Ready() bool
}

// Options configures the router.
type Options struct {
	Monitor        Monitor
	Limiter        *gateway.RateLimiter
	MetricsHandler http.Handler
	// HEC, when set, is mounted at /services/collector.
	HEC     http.Handler
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Version string
	// TrustProxy rewrites RemoteAddr from X-Forwarded-For / X-Real-IP.
	TrustProxy     bool
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	r       *chi.Mux
	monitor Monitor
	logger  *zap.Logger
	metrics *observability.Metrics
	version string
	clock   func() time.Time
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		r:       chi.NewRouter(),
		monitor: opts.Monitor,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		version: opts.Version,
		clock:   opts.Clock,
	}

	s.r.Use(middleware.RequestID)
	if opts.TrustProxy {
		s.r.Use(middleware.RealIP)
	}
	s.r.Use(s.observe)
	s.r.Use(middleware.Recoverer)
	s.r.Use(middleware.Timeout(opts.RequestTimeout))

	s.r.Get("/health", s.handleHealth)
	s.r.Get("/ready", s.handleReady)
	if opts.MetricsHandler != nil {
		s.r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}
	if opts.HEC != nil {
		s.r.Mount("/services/collector", opts.HEC)
	}

	s.r.Route("/api/v1", func(r chi.Router) {
		r.Use(withEnvironment)
		if opts.Limiter != nil {
			r = r.With(opts.Limiter.Middleware(actorID))
		}

		r.Post("/events", s.handleIngest)
		r.Get("/events/recent", s.handleRecentEvents)
		r.Post("/events/{eventID}/resolve", s.handleResolve)

		r.Get("/security/metrics", s.handleSecurityMetrics)

		r.Get("/blocks/{actorID}", s.handleGetBlock)
		r.Delete("/blocks/{actorID}", s.handleUnblock)

		r.Get("/escalations", s.handleEscalations)
		r.Get("/rules", s.handleListRules)
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.r }

func actorID(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

// withEnvironment makes the request the event environment for handlers.
func withEnvironment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := environment.WithContext(r.Context(), environment.FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe logs and counts each request by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.HTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
