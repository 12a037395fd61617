// Package pending stages in-flight authorization requests between the
// protocol endpoint and the external consent UI. Entries are short-lived and
// TTL-governed; the backing store is selected by configuration, never by
// ambient environment sniffing.
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.tasknest.dev/mcpauth/domain"
)

// DefaultTTL is how long a staged authorization stays redeemable.
const DefaultTTL = 5 * time.Minute

// CreateParams carries the authorization request being staged.
type CreateParams struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Stats summarizes the store contents.
type Stats struct {
	Total    int `json:"total"`
	WithUser int `json:"with_user"`
}

// Store is the staging store contract. Both backends expose identical
// semantics; callers are agnostic to which is active.
type Store interface {
	// Create stages a new authorization request and returns its id.
	Create(ctx context.Context, params CreateParams) (string, error)

	// Get returns the entry, or nil when unknown. Entries past expiry are
	// deleted and reported as nil; repeating the call stays nil.
	Get(ctx context.Context, id string) (*domain.PendingAuthorization, error)

	// Update attaches the authenticated user to the entry. Returns false
	// when the entry is unknown or expired.
	Update(ctx context.Context, id, userID string) (bool, error)

	// Delete removes the entry.
	Delete(ctx context.Context, id string) error

	// Cleanup removes expired entries and returns the number removed.
	Cleanup(ctx context.Context) (int, error)

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "memory" or "redis".
	Backend string
	// Redis is required for the redis backend. The store does not own the
	// client.
	Redis *redis.Client
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
}

// New builds a staging store for the configured backend. The choice is an
// explicit input so tests and deployments can see exactly what is active.
func New(cfg Config) (Store, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch cfg.Backend {
	case "", "memory":
		return newMemoryStore(ttl), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("pending: redis backend selected but no client configured")
		}
		return newRedisStore(cfg.Redis, cfg.KeyPrefix, ttl), nil
	default:
		return nil, fmt.Errorf("pending: unknown backend %q", cfg.Backend)
	}
}

// remainingTTL returns how much of the entry's staging window is left at
// now, or zero once it has expired. Writes must always carry this as the
// backend TTL so a rewrite can never extend an entry past its window.
func remainingTTL(entry *domain.PendingAuthorization, now time.Time) time.Duration {
	d := entry.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return d
}

func newEntry(params CreateParams, ttl time.Duration) *domain.PendingAuthorization {
	now := time.Now()
	return &domain.PendingAuthorization{
		ID:                  uuid.NewString(),
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		Scope:               params.Scope,
		State:               params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}
