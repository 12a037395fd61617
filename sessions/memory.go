package sessions

import (
	"context"
	"path"
	"sync"
	"time"

	"go.tasknest.dev/mcpauth/domain"
)

type memoryEntry struct {
	session   *domain.Session
	expiresAt time.Time
}

// memoryStore is the process-local backend: a guarded map plus a secondary
// index from user id to session keys for fast per-user enumeration. Expiry
// is checked lazily on read and by Cleanup.
type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	byUser   map[string]map[string]struct{}
	now      func() time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*memoryEntry),
		byUser:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (*domain.Session, error) {
	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		s.removeLocked(key)
		s.mu.Unlock()
		return nil, nil
	}

	return cloneSession(entry.session), nil
}

func (s *memoryStore) Set(_ context.Context, key string, session *domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[key] = &memoryEntry{
		session:   cloneSession(session),
		expiresAt: s.now().Add(ttl),
	}

	if session.UserID != "" {
		idx, ok := s.byUser[session.UserID]
		if !ok {
			idx = make(map[string]struct{})
			s.byUser[session.UserID] = idx
		}
		idx[key] = struct{}{}
	}

	return nil
}

// Update runs fn under the write lock, so the read-modify-write is atomic
// with respect to every other mutation of the key.
func (s *memoryStore) Update(_ context.Context, key string, ttl time.Duration, fn func(*domain.Session)) (*domain.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		s.removeLocked(key)
		return nil, nil
	}

	fn(entry.session)
	entry.expiresAt = s.now().Add(ttl)

	return cloneSession(entry.session), nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	s.removeLocked(key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []string
	for key, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (s *memoryStore) UserSessionKeys(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []string
	for key := range s.byUser[userID] {
		if entry, ok := s.sessions[key]; ok && !now.After(entry.expiresAt) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Cleanup iterates a snapshot of keys so a large sweep never holds the lock
// for the whole scan.
func (s *memoryStore) Cleanup(_ context.Context) (int, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	removed := 0
	now := s.now()
	for _, key := range keys {
		s.mu.Lock()
		if entry, ok := s.sessions[key]; ok && now.After(entry.expiresAt) {
			s.removeLocked(key)
			removed++
		}
		s.mu.Unlock()
	}

	return removed, nil
}

func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	stats := Stats{}
	users := make(map[string]struct{})
	for _, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			continue
		}
		stats.TotalSessions++
		if entry.session.UserID != "" {
			users[entry.session.UserID] = struct{}{}
		}
	}
	stats.ActiveUsers = len(users)

	return stats, nil
}

func (s *memoryStore) Close() error {
	return nil
}

// removeLocked deletes a session and its index entry. Caller holds the write
// lock.
func (s *memoryStore) removeLocked(key string) {
	entry, ok := s.sessions[key]
	if !ok {
		return
	}
	delete(s.sessions, key)

	if entry.session.UserID != "" {
		if idx, ok := s.byUser[entry.session.UserID]; ok {
			delete(idx, key)
			if len(idx) == 0 {
				delete(s.byUser, entry.session.UserID)
			}
		}
	}
}
