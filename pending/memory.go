package pending

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.tasknest.dev/mcpauth/domain"
)

// memoryStore is the in-process fallback backend, built on ttlcache so each
// entry carries its own expiry timer.
type memoryStore struct {
	cache *ttlcache.Cache[string, *domain.PendingAuthorization]
	ttl   time.Duration
}

func newMemoryStore(ttl time.Duration) *memoryStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.PendingAuthorization](ttl),
		ttlcache.WithDisableTouchOnHit[string, *domain.PendingAuthorization](),
	)

	// Start the expiry timer loop
	go cache.Start()

	return &memoryStore{
		cache: cache,
		ttl:   ttl,
	}
}

func (s *memoryStore) Create(_ context.Context, params CreateParams) (string, error) {
	entry := newEntry(params, s.ttl)
	s.put(entry)
	return entry.ID, nil
}

// put inserts an already-built entry, keeping whatever lifetime it has left.
func (s *memoryStore) put(entry *domain.PendingAuthorization) {
	ttl := remainingTTL(entry, time.Now())
	if ttl == 0 {
		return
	}
	s.cache.Set(entry.ID, entry, ttl)
}

func (s *memoryStore) Get(_ context.Context, id string) (*domain.PendingAuthorization, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, nil
	}

	entry := item.Value()
	if entry.Expired(time.Now()) {
		s.cache.Delete(id)
		return nil, nil
	}

	cp := *entry
	return &cp, nil
}

func (s *memoryStore) Update(_ context.Context, id, userID string) (bool, error) {
	item := s.cache.Get(id)
	if item == nil {
		return false, nil
	}

	entry := item.Value()
	if entry.Expired(time.Now()) {
		s.cache.Delete(id)
		return false, nil
	}

	cp := *entry
	cp.UserID = userID
	s.cache.Set(id, &cp, time.Until(cp.ExpiresAt))

	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

func (s *memoryStore) Cleanup(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0
	for id, item := range s.cache.Items() {
		if item.Value().Expired(now) {
			s.cache.Delete(id)
			removed++
		}
	}

	return removed, nil
}

func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	stats := Stats{}
	now := time.Now()
	for _, item := range s.cache.Items() {
		entry := item.Value()
		if entry.Expired(now) {
			continue
		}
		stats.Total++
		if entry.UserID != "" {
			stats.WithUser++
		}
	}

	return stats, nil
}

func (s *memoryStore) Close() error {
	s.cache.Stop()
	return nil
}
