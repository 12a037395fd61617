package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tasknest.dev/mcpauth/domain"
)

func TestDeriveKey(t *testing.T) {
	secret := []byte("session-secret")

	key := DeriveKey(secret, "token-a")
	assert.Len(t, key, 64) // hex-encoded SHA-256
	assert.Equal(t, key, DeriveKey(secret, "token-a"))
	assert.NotEqual(t, key, DeriveKey(secret, "token-b"))
	assert.NotEqual(t, key, DeriveKey([]byte("other-secret"), "token-a"))
}

func TestNew(t *testing.T) {
	t.Run("defaults to memory", func(t *testing.T) {
		store, err := New(Config{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		assert.IsType(t, &memoryStore{}, store)
	})

	t.Run("redis backend requires a client", func(t *testing.T) {
		_, err := New(Config{Backend: "redis"})
		require.Error(t, err)
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		_, err := New(Config{Backend: "mongo"})
		require.Error(t, err)
	})
}

func testSession(key, userID string) *domain.Session {
	now := time.Now()
	return &domain.Session{
		Key:          key,
		UserID:       userID,
		ConnectionID: "conn-" + key,
		CreatedAt:    now,
		LastActivity: now,
		Context:      map[string]any{},
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	t.Run("get miss is nil, nil", func(t *testing.T) {
		session, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("set then get round-trips", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", testSession("k1", "user-1"), time.Hour))

		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, "user-1", session.UserID)
	})

	t.Run("get returns an isolated copy", func(t *testing.T) {
		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		session.Context["poison"] = true

		again, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.NotContains(t, again.Context, "poison")
	})

	t.Run("delete removes session and index", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "k1"))

		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, session)

		keys, err := store.UserSessionKeys(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	base := time.Now()
	store.now = func() time.Time { return base }

	t.Run("missing key stays missing", func(t *testing.T) {
		session, err := store.Update(ctx, "nope", time.Hour, func(s *domain.Session) {
			s.EventSeq++
		})
		require.NoError(t, err)
		assert.Nil(t, session)

		got, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("applies the mutation and slides expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", testSession("k1", "user-1"), time.Hour))

		store.now = func() time.Time { return base.Add(30 * time.Minute) }
		session, err := store.Update(ctx, "k1", time.Hour, func(s *domain.Session) {
			s.EventSeq = 7
		})
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, uint64(7), session.EventSeq)

		// Slid to 30m+1h; still live well past the original deadline.
		store.now = func() time.Time { return base.Add(80 * time.Minute) }
		got, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, uint64(7), got.EventSeq)
	})

	t.Run("expired entries are not resurrected", func(t *testing.T) {
		store.now = func() time.Time { return base.Add(24 * time.Hour) }

		session, err := store.Update(ctx, "k1", time.Hour, func(s *domain.Session) {
			s.EventSeq++
		})
		require.NoError(t, err)
		assert.Nil(t, session)
	})
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	base := time.Now()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Set(ctx, "k1", testSession("k1", "user-1"), time.Hour))

	t.Run("live before the deadline", func(t *testing.T) {
		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.NotNil(t, session)
	})

	t.Run("reads as missing after the deadline", func(t *testing.T) {
		store.now = func() time.Time { return base.Add(2 * time.Hour) }

		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, session)

		// The lazy delete also dropped the index entry.
		keys, err := store.UserSessionKeys(ctx, "user-1")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("set again restores", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", testSession("k1", "user-1"), time.Hour))

		session, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.NotNil(t, session)
	})
}

func TestMemoryStoreEnumeration(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	require.NoError(t, store.Set(ctx, "aaa1", testSession("aaa1", "user-1"), time.Hour))
	require.NoError(t, store.Set(ctx, "aaa2", testSession("aaa2", "user-1"), time.Hour))
	require.NoError(t, store.Set(ctx, "bbb1", testSession("bbb1", "user-2"), time.Hour))

	t.Run("keys by pattern", func(t *testing.T) {
		keys, err := store.Keys(ctx, "aaa*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"aaa1", "aaa2"}, keys)

		all, err := store.Keys(ctx, "*")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("keys by user", func(t *testing.T) {
		keys, err := store.UserSessionKeys(ctx, "user-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"aaa1", "aaa2"}, keys)

		keys, err = store.UserSessionKeys(ctx, "user-3")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{TotalSessions: 3, ActiveUsers: 2}, stats)
	})
}

func TestMemoryStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()

	base := time.Now()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Set(ctx, "short", testSession("short", "user-1"), time.Minute))
	require.NoError(t, store.Set(ctx, "long", testSession("long", "user-2"), time.Hour))

	store.now = func() time.Time { return base.Add(30 * time.Minute) }

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalSessions: 1, ActiveUsers: 1}, stats)
}
