package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.tasknest.dev/mcpauth/domain"
)

// redisStore is the shared backend. Entries are stored as key -> JSON with
// redis-native TTL. When redis is unreachable the store falls back to a local
// in-memory cache: entries are short-lived, so the risk window is bounded,
// and losing the consent hand-off beats failing every authorization attempt.
type redisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	fallback *memoryStore
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration) *redisStore {
	if prefix == "" {
		prefix = "mcpauth"
	}

	return &redisStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		fallback: newMemoryStore(ttl),
	}
}

func (s *redisStore) key(id string) string {
	return fmt.Sprintf("%s:pending:%s", s.prefix, id)
}

func (s *redisStore) Create(ctx context.Context, params CreateParams) (string, error) {
	entry := newEntry(params, s.ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	if err := s.client.Set(ctx, s.key(entry.ID), data, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, staging pending authorization locally")
		s.fallback.put(entry)
	}

	return entry.ID, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*domain.PendingAuthorization, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("redis unavailable, reading pending authorization locally")
		}
		return s.fallback.Get(ctx, id)
	}

	var entry domain.PendingAuthorization
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	// Redis TTL normally removes the key first; the check keeps expiry
	// idempotent under clock skew.
	if entry.Expired(time.Now()) {
		_ = s.client.Del(ctx, s.key(id)).Err()
		return nil, nil
	}

	return &entry, nil
}

func (s *redisStore) Update(ctx context.Context, id, userID string) (bool, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	entry.UserID = userID

	// Never KEEPTTL here: when the entry lives in the local fallback (or
	// expired between the read and the write) the key does not exist in
	// redis, and the write would create it without any expiry.
	ttl := remainingTTL(entry, time.Now())
	if ttl == 0 {
		_ = s.Delete(ctx, id)
		return false, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	if err := s.client.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, updating pending authorization locally")
		s.fallback.put(entry)
	}

	return true, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	_ = s.fallback.Delete(ctx, id)

	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending authorization: %w", err)
	}

	return nil
}

// Cleanup relies on redis-native TTL for the shared backend and sweeps only
// the local fallback.
func (s *redisStore) Cleanup(ctx context.Context) (int, error) {
	return s.fallback.Cleanup(ctx)
}

func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.fallback.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.key("*"), 100).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan pending authorizations: %w", err)
		}

		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between scan and read
			}
			var entry domain.PendingAuthorization
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			stats.Total++
			if entry.UserID != "" {
				stats.WithUser++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return stats, nil
}

func (s *redisStore) Close() error {
	// The redis client is injected and shared; only the fallback is owned.
	return s.fallback.Close()
}
