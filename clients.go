package mcpauth

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/errors"
)

// ClientRegistry supports dynamic client registration: callers self-register
// with a name and redirect URIs and receive a generated client id. Entries
// live in memory; registration is cheap enough to repeat after a restart.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*domain.Client),
	}
}

// Register creates a client entry and returns it. At least one absolute
// redirect URI is required.
func (r *ClientRegistry) Register(name string, redirectURIs []string) (*domain.Client, error) {
	if len(redirectURIs) == 0 {
		return nil, errors.NewInvalidRequest("at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		if !strings.Contains(uri, "://") {
			return nil, errors.NewInvalidRequest("redirect_uri must be absolute: " + uri)
		}
	}

	cl := &domain.Client{
		ID:           uuid.NewString(),
		Name:         name,
		RedirectURIs: append([]string(nil), redirectURIs...),
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	r.clients[cl.ID] = cl
	r.mu.Unlock()

	return cl, nil
}

// Get returns the client for the given id.
func (r *ClientRegistry) Get(clientID string) (*domain.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cl, ok := r.clients[clientID]
	return cl, ok
}

// ValidateRedirectURI checks that the redirect URI is registered for the
// client. Unknown clients are tolerated when the registry is empty, so that
// deployments without dynamic registration can keep using pre-agreed ids.
func (r *ClientRegistry) ValidateRedirectURI(clientID, redirectURI string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.clients) == 0 {
		return nil
	}

	cl, ok := r.clients[clientID]
	if !ok {
		return errors.NewInvalidClient("unknown client_id")
	}
	if !cl.AllowsRedirectURI(redirectURI) {
		return errors.NewInvalidRequest("redirect_uri is not registered for this client")
	}

	return nil
}
