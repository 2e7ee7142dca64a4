// Package ratelimit provides a pluggable rate limiting interface.
//
// The shipped implementation is an in-memory sliding window (SlidingLimiter).
// Deployments needing cross-instance coordination can substitute a shared
// store behind the same Limiter interface.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque — callers construct it (see ScopeKey).
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Scope identifies the caller dimensions a limit applies to. Empty fields
// are included as empty segments so that distinct partial scopes never
// collide after hashing.
type Scope struct {
	User   string
	Agent  string
	IP     string
	APIKey string
}

// ScopeKey derives the opaque limiter key for a scope. The raw segments are
// hashed so API keys never appear in limiter state or logs.
func ScopeKey(s Scope) string {
	joined := strings.Join([]string{s.User, s.Agent, s.IP, s.APIKey}, "\x00")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
