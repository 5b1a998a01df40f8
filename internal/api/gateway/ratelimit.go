// Package gateway guards outbound and inbound API calls: fixed-window rate
// limiting that feeds the security monitor, in-flight request dedup and
// retries with capped exponential backoff.
package gateway

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/secmon/internal/environment"
	"github.com/lvonguyen/secmon/internal/observability"
)

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
	// Endpoints overrides Window and MaxRequests per endpoint key. For
	// Middleware the key is the matched route pattern, e.g.
	// /api/v1/blocks/{actorID}.
	Endpoints      map[string]Limit
	IncludeHeaders bool
}

// Limit is one fixed-window budget.
type Limit struct {
	Window      time.Duration
	MaxRequests int
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Count      int
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (r *RateLimitResult) RetryAfterSeconds() int {
	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// fixedWindow counts in Redis: the first hit in a window sets its expiry.
var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

type localWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter enforces a fixed window per endpoint key. Counters live in Redis
// when a client is configured; otherwise, or when Redis fails, the same
// window is kept in process.
type RateLimiter struct {
	redis       redis.UniversalClient
	reporter    EventReporter
	logger      *zap.Logger
	metrics     *observability.Metrics
	config      RateLimitConfig
	localLimits sync.Map
	now         func() time.Time
}

// NewRateLimiter creates a rate limiter. redisClient and reporter may be nil.
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, reporter EventReporter, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "secmon:ratelimit:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:    redisClient,
		reporter: reporter,
		logger:   logger,
		metrics:  metrics,
		config:   cfg,
		now:      time.Now,
	}
}

func (rl *RateLimiter) limitFor(endpoint string) Limit {
	if l, ok := rl.config.Endpoints[endpoint]; ok && l.Window > 0 && l.MaxRequests > 0 {
		return l
	}
	return Limit{Window: rl.config.Window, MaxRequests: rl.config.MaxRequests}
}

// Check counts one request by clientID against endpoint. Exceeding the
// window's budget reports a RATE_LIMIT_EXCEEDED event for clientID.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.limitFor(endpoint)
	key := rl.config.KeyPrefix + endpoint
	if clientID != "" {
		key += ":" + clientID
	}

	count, ttl, err := rl.count(ctx, key, limit.Window)
	if err != nil {
		return nil, err
	}

	result := &RateLimitResult{
		Allowed:   count <= limit.MaxRequests,
		Count:     count,
		Remaining: max(limit.MaxRequests-count, 0),
		Limit:     limit.MaxRequests,
		ResetAt:   rl.now().Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		rl.metrics.RequestRateLimited(endpoint)
		rl.logger.Warn("Rate limit exceeded",
			zap.String("endpoint", endpoint),
			zap.String("method", method),
			zap.String("client_id", clientID),
			zap.Int("count", count),
			zap.Int("limit", limit.MaxRequests),
		)
		if rl.reporter != nil {
			rl.reporter.RateLimitExceeded(ctx, clientID, endpoint, result.RetryAfterSeconds())
		}
	}

	return result, nil
}

func (rl *RateLimiter) count(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if rl.redis != nil {
		vals, err := fixedWindow.Run(ctx, rl.redis, []string{key}, window.Milliseconds()).Int64Slice()
		if err == nil && len(vals) == 2 {
			ttl := time.Duration(vals[1]) * time.Millisecond
			if ttl < 0 {
				ttl = window
			}
			return int(vals[0]), ttl, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, 0, ctxErr
		}
		rl.logger.Warn("Rate limit check failed, using local window", zap.String("key", key), zap.Error(err))
	}

	count, ttl := rl.countLocal(key, window)
	return count, ttl, nil
}

func (rl *RateLimiter) countLocal(key string, window time.Duration) (int, time.Duration) {
	v, _ := rl.localLimits.LoadOrStore(key, &localWindow{})
	w := v.(*localWindow)

	now := rl.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(window)
	}
	w.count++
	return w.count, w.resetAt.Sub(now)
}

// SweepLocal drops expired in-process windows and returns how many it removed.
func (rl *RateLimiter) SweepLocal(context.Context) (int, error) {
	now := rl.now()
	removed := 0
	rl.localLimits.Range(func(k, v any) bool {
		w := v.(*localWindow)
		w.mu.Lock()
		expired := !now.Before(w.resetAt)
		w.mu.Unlock()
		if expired {
			rl.localLimits.Delete(k)
			removed++
		}
		return true
	})
	return removed, nil
}

// endpointKey is the matched chi route pattern, so every actor ID under
// /blocks/{actorID} shares one budget. Outside a chi route it falls back to
// the request path.
func endpointKey(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" && !strings.HasSuffix(p, "/*") {
			return p
		}
	}
	return r.URL.Path
}

// Middleware returns an HTTP middleware for rate limiting. Requests without a
// client ID are keyed by client address. Install it with chi's With on the
// routes it guards so the route pattern is known when it runs.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = environment.ClientIP(r)
			}

			result, err := rl.Check(ctx, clientID, endpointKey(r), r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, result.RetryAfterSeconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
