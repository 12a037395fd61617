package pending

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
		_, err := New(Config{Backend: "etcd"})
		require.Error(t, err)
	})
}

func newTestStore(t *testing.T, ttl time.Duration) Store {
	t.Helper()
	store, err := New(Config{Backend: "memory", TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stageParams() CreateParams {
	return CreateParams{
		ClientID:            "client-1",
		RedirectURI:         "https://client.example.com/cb",
		Scope:               "mcp:tools",
		State:               "xyz",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)

	id, err := store.Create(ctx, stageParams())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	t.Run("get returns the staged request", func(t *testing.T) {
		entry, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, id, entry.ID)
		assert.Equal(t, "client-1", entry.ClientID)
		assert.Equal(t, "S256", entry.CodeChallengeMethod)
		assert.Empty(t, entry.UserID)
		assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))
	})

	t.Run("get copies, callers cannot mutate the store", func(t *testing.T) {
		entry, err := store.Get(ctx, id)
		require.NoError(t, err)
		entry.UserID = "mutated"

		again, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, again.UserID)
	})

	t.Run("update binds the user", func(t *testing.T) {
		ok, err := store.Update(ctx, id, "user-1")
		require.NoError(t, err)
		assert.True(t, ok)

		entry, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "user-1", entry.UserID)
	})

	t.Run("update of unknown entry reports false", func(t *testing.T) {
		ok, err := store.Update(ctx, "no-such-id", "user-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete removes the entry", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, id))

		entry, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry)

		// Deleting again is harmless.
		require.NoError(t, store.Delete(ctx, id))
	})
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 25*time.Millisecond)

	id, err := store.Create(ctx, stageParams())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	t.Run("expired entries read as missing, repeatably", func(t *testing.T) {
		entry, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry)

		entry, err = store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("expired entries cannot take a user", func(t *testing.T) {
		ok, err := store.Update(ctx, id, "user-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRemainingTTL(t *testing.T) {
	entry := newEntry(stageParams(), time.Minute)
	now := entry.CreatedAt

	t.Run("reports the time left in the window", func(t *testing.T) {
		left := remainingTTL(entry, now)
		assert.Greater(t, left, 50*time.Second)
		assert.LessOrEqual(t, left, time.Minute)
	})

	t.Run("a rewrite never extends the window", func(t *testing.T) {
		later := remainingTTL(entry, now.Add(40*time.Second))
		assert.LessOrEqual(t, later, 20*time.Second)
		assert.Greater(t, later, time.Duration(0))
	})

	t.Run("expired entries have zero left", func(t *testing.T) {
		assert.Zero(t, remainingTTL(entry, entry.ExpiresAt))
		assert.Zero(t, remainingTTL(entry, entry.ExpiresAt.Add(time.Hour)))
	})
}

func TestMemoryStoreStatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Minute)

	first, err := store.Create(ctx, stageParams())
	require.NoError(t, err)
	_, err = store.Create(ctx, stageParams())
	require.NoError(t, err)

	ok, err := store.Update(ctx, first, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, WithUser: 1}, stats)

	// Nothing has expired yet.
	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
