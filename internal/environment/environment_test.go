package environment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type brokenEnv struct{}

func (brokenEnv) SessionID() (string, error) { return "", errors.New("no session store") }
func (brokenEnv) Origin() (string, error)    { panic("origin lookup failed") }
func (brokenEnv) UserAgent() (string, error) { return "   ", nil }
func (brokenEnv) Location() (string, error)  { return "Berlin", nil }

func TestResolve_DefaultsToUnknown(t *testing.T) {
	c := Resolve(brokenEnv{})
	assert.Equal(t, Unknown, c.SessionID)
	assert.Equal(t, Unknown, c.Origin)
	assert.Equal(t, Unknown, c.UserAgent)
	assert.Equal(t, "Berlin", c.Location)

	c = Resolve(nil)
	assert.Equal(t, Unknown, c.SessionID)
	assert.Equal(t, Unknown, c.Location)
}

func TestStatic(t *testing.T) {
	c := Resolve(Static{Session: "sess-1", Host: "worker-7"})
	assert.Equal(t, "sess-1", c.SessionID)
	assert.Equal(t, "worker-7", c.Origin)
	assert.Equal(t, Unknown, c.UserAgent)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	r.Header.Set(SessionHeader, "abc")
	r.Header.Set("User-Agent", "curl/8.0")
	r.Header.Set(LocationHeader, "NL")
	r.RemoteAddr = "203.0.113.9:40000"

	c := Resolve(FromRequest(r))
	assert.Equal(t, "abc", c.SessionID)
	assert.Equal(t, "203.0.113.9", c.Origin)
	assert.Equal(t, "curl/8.0", c.UserAgent)
	assert.Equal(t, "NL", c.Location)
}

func TestFromRequest_CookieAndRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5555"
	r.AddCookie(&http.Cookie{Name: "session_id", Value: "from-cookie"})

	c := Resolve(FromRequest(r))
	assert.Equal(t, "from-cookie", c.SessionID)
	assert.Equal(t, "198.51.100.4", c.Origin)
}

func TestClientIP_IgnoresForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:6000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "198.51.100.7", ClientIP(r))

	r.RemoteAddr = "198.51.100.8"
	assert.Equal(t, "198.51.100.8", ClientIP(r))
}

func TestContextRoundTrip(t *testing.T) {
	fallback := Static{Host: "fallback"}
	assert.Equal(t, fallback, FromContext(context.Background(), fallback))

	ctx := WithContext(context.Background(), Static{Host: "request"})
	env := FromContext(ctx, fallback)
	origin, err := env.Origin()
	assert.NoError(t, err)
	assert.Equal(t, "request", origin)
}
