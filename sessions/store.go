// Package sessions holds per-connection protocol state for authenticated
// callers, keyed by a one-way derivation of the bearer token. Two backends
// satisfy the same contract: a process-local map and a redis-backed store
// with native per-key expiry.
package sessions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.tasknest.dev/mcpauth/domain"
)

// DefaultTTL is the sliding session lifetime.
const DefaultTTL = 8 * time.Hour

// Stats summarizes the store contents.
type Stats struct {
	TotalSessions int `json:"total_sessions"`
	ActiveUsers   int `json:"active_users"`
}

// Store is the session persistence contract. A nil session with a nil error
// means not found; expired entries behave exactly like missing ones.
type Store interface {
	// Get returns the session for the derived key, or nil on miss.
	Get(ctx context.Context, key string) (*domain.Session, error)

	// Set persists the session under the key with the given lifetime,
	// keeping the per-user index in sync.
	Set(ctx context.Context, key string, session *domain.Session, ttl time.Duration) error

	// Update applies fn to the stored session and persists the result with
	// the given lifetime, as one atomic read-modify-write: concurrent
	// updates to the same key never lose increments. Returns the updated
	// session, or nil when no session exists.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(*domain.Session)) (*domain.Session, error)

	// Delete removes the session and its index entry.
	Delete(ctx context.Context, key string) error

	// Keys enumerates live session keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// UserSessionKeys enumerates live session keys for one user.
	UserSessionKeys(ctx context.Context, userID string) ([]string, error)

	// Cleanup removes expired sessions and stale index entries, returning
	// the number removed.
	Cleanup(ctx context.Context) (int, error)

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (Stats, error)

	// Close releases store resources.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "memory" or "redis".
	Backend string
	// Redis is required for the redis backend; the store does not own it.
	Redis *redis.Client
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
}

// New builds a session store for the configured backend. Unlike the pending
// store there is no silent fallback between backends: replicas falling back
// to local memory would split session state, so a misconfigured backend is
// an error here and a failing one surfaces as server_error to callers.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return newMemoryStore(), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("sessions: redis backend selected but no client configured")
		}
		return newRedisStore(cfg.Redis, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("sessions: unknown backend %q", cfg.Backend)
	}
}

// DeriveKey maps a bearer token to its fixed-length session key via
// HMAC-SHA256 under the given secret. The raw token is never stored or
// logged; the derivation is one-way by construction.
func DeriveKey(secret []byte, token string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// cloneSession copies a session deeply enough that callers can mutate the
// result without racing the store's copy.
func cloneSession(s *domain.Session) *domain.Session {
	cp := *s
	if s.Context != nil {
		cp.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	if s.ClientCapabilities != nil {
		cp.ClientCapabilities = make(map[string]any, len(s.ClientCapabilities))
		for k, v := range s.ClientCapabilities {
			cp.ClientCapabilities[k] = v
		}
	}
	if s.ServerCapabilities != nil {
		cp.ServerCapabilities = make(map[string]any, len(s.ServerCapabilities))
		for k, v := range s.ServerCapabilities {
			cp.ServerCapabilities[k] = v
		}
	}
	cp.ActiveStreams = append([]string(nil), s.ActiveStreams...)
	return &cp
}
