// Package environment supplies best-effort information about where a
// security event originated.
package environment

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/lvonguyen/secmon/internal/security"
)

// Unknown is reported for any value that could not be determined.
const Unknown = "unknown"

// ErrUnavailable is returned by accessors that have nothing to report.
var ErrUnavailable = errors.New("environment value unavailable")

// Environment is the capability used to describe an event's surroundings.
// Implementations are chosen at startup or per request.
type Environment interface {
	SessionID() (string, error)
	Origin() (string, error)
	UserAgent() (string, error)
	Location() (string, error)
}

// Resolve reads every accessor of env, substituting Unknown for failures,
// empty values and panics.
func Resolve(env Environment) security.Context {
	if env == nil {
		return security.Context{SessionID: Unknown, Origin: Unknown, UserAgent: Unknown, Location: Unknown}
	}
	return security.Context{
		SessionID: read(env.SessionID),
		Origin:    read(env.Origin),
		UserAgent: read(env.UserAgent),
		Location:  read(env.Location),
	}
}

func read(fn func() (string, error)) (v string) {
	defer func() {
		if recover() != nil {
			v = Unknown
		}
	}()
	s, err := fn()
	if err != nil || strings.TrimSpace(s) == "" {
		return Unknown
	}
	return s
}

// Static reports fixed values, typically describing the process itself.
type Static struct {
	Session string
	Host    string
	Agent   string
	Place   string
}

func (s Static) SessionID() (string, error) { return orUnavailable(s.Session) }
func (s Static) Origin() (string, error)    { return orUnavailable(s.Host) }
func (s Static) UserAgent() (string, error) { return orUnavailable(s.Agent) }
func (s Static) Location() (string, error)  { return orUnavailable(s.Place) }

func orUnavailable(v string) (string, error) {
	if v == "" {
		return "", ErrUnavailable
	}
	return v, nil
}

// SessionHeader carries the caller's session identifier.
const SessionHeader = "X-Session-ID"

// LocationHeader is set by edge proxies that geolocate the client.
const LocationHeader = "X-Client-Location"

// Request derives values from an inbound HTTP request.
type Request struct {
	r *http.Request
}

// FromRequest wraps r. The request must not be modified afterwards.
func FromRequest(r *http.Request) Request {
	return Request{r: r}
}

func (e Request) SessionID() (string, error) {
	if v := e.r.Header.Get(SessionHeader); v != "" {
		return v, nil
	}
	if c, err := e.r.Cookie("session_id"); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrUnavailable
}

// Origin returns the client IP.
func (e Request) Origin() (string, error) {
	return orUnavailable(ClientIP(e.r))
}

func (e Request) UserAgent() (string, error) { return orUnavailable(e.r.UserAgent()) }

func (e Request) Location() (string, error) { return orUnavailable(e.r.Header.Get(LocationHeader)) }

// ClientIP returns the host part of r.RemoteAddr. Forwarding headers are
// never read here; behind a trusted proxy the router rewrites RemoteAddr
// with middleware.RealIP first.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type ctxKey struct{}

// WithContext attaches env to ctx.
func WithContext(ctx context.Context, env Environment) context.Context {
	return context.WithValue(ctx, ctxKey{}, env)
}

// FromContext returns the environment attached to ctx, or fallback.
func FromContext(ctx context.Context, fallback Environment) Environment {
	if env, ok := ctx.Value(ctxKey{}).(Environment); ok && env != nil {
		return env
	}
	return fallback
}
