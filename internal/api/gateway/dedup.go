package gateway

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/sync/singleflight"
)

// Deduplicator shares one in-flight result among identical concurrent calls.
type Deduplicator struct {
	group singleflight.Group
}

// RequestKey identifies a request by method, endpoint and body hash.
func RequestKey(method, endpoint string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + " " + endpoint + " " + hex.EncodeToString(sum[:])
}

// Do runs fn unless an identical call is already in flight, in which case it
// waits for and returns that call's result. shared reports whether the result
// went to more than one caller.
func (d *Deduplicator) Do(method, endpoint string, body []byte, fn func() (any, error)) (v any, shared bool, err error) {
	v, err, shared = d.group.Do(RequestKey(method, endpoint, body), fn)
	return v, shared, err
}
