package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"go.tasknest.dev/mcpauth/domain"
)

// redisStore is the shared backend. Sessions are key -> JSON with redis
// native TTL; the per-user index is an expiring set written in the same
// pipeline so an inconsistency is bounded to a failed pipeline.
type redisStore struct {
	client *redis.Client
	prefix string
}

func newRedisStore(client *redis.Client, prefix string) *redisStore {
	if prefix == "" {
		prefix = "mcpauth"
	}

	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *redisStore) sessionKey(key string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, key)
}

func (s *redisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:usersessions:%s", s.prefix, userID)
}

func (s *redisStore) Get(ctx context.Context, key string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (s *redisStore) Set(ctx context.Context, key string, session *domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(key), data, ttl)
	if session.UserID != "" {
		pipe.SAdd(ctx, s.userKey(session.UserID), key)
		pipe.Expire(ctx, s.userKey(session.UserID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	return nil
}

// updateRetries bounds the optimistic-locking loop in Update.
const updateRetries = 5

// Update implements the atomic read-modify-write with WATCH: the
// transaction aborts and retries when another writer touches the key
// between the read and the pipelined write.
func (s *redisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(*domain.Session)) (*domain.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var result *domain.Session
	txf := func(tx *redis.Tx) error {
		result = nil

		data, err := tx.Get(ctx, s.sessionKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}

		var session domain.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		fn(&session)

		updated, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.sessionKey(key), updated, ttl)
			if session.UserID != "" {
				pipe.SAdd(ctx, s.userKey(session.UserID), key)
				pipe.Expire(ctx, s.userKey(session.UserID), ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = &session
		return nil
	}

	for i := 0; i < updateRetries; i++ {
		err := s.client.Watch(ctx, txf, s.sessionKey(key))
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	return nil, fmt.Errorf("failed to update session: concurrent writers kept aborting the transaction")
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	// Read first to learn the owning user for index maintenance.
	session, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(key))
	if session != nil && session.UserID != "" {
		pipe.SRem(ctx, s.userKey(session.UserID), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func (s *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	fullPrefix := s.sessionKey("")

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.sessionKey(pattern), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan sessions: %w", err)
		}
		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, fullPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func (s *redisStore) UserSessionKeys(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user session index: %w", err)
	}

	var keys []string
	for _, key := range members {
		exists, err := s.client.Exists(ctx, s.sessionKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if exists == 0 {
			// Session TTL fired; drop the stale index member.
			_ = s.client.SRem(ctx, s.userKey(userID), key).Err()
			continue
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// Cleanup removes index members whose session key already expired. Session
// bodies themselves are removed by redis-native TTL.
func (s *redisStore) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.userKey("*"), 100).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan user session indexes: %w", err)
		}

		for _, indexKey := range batch {
			members, err := s.client.SMembers(ctx, indexKey).Result()
			if err != nil {
				continue
			}
			for _, key := range members {
				exists, err := s.client.Exists(ctx, s.sessionKey(key)).Result()
				if err != nil {
					continue
				}
				if exists == 0 {
					if s.client.SRem(ctx, indexKey, key).Val() > 0 {
						removed++
					}
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{}

	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.sessionKey("*"), 100).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan sessions: %w", err)
		}
		stats.TotalSessions += len(batch)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	cursor = 0
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.userKey("*"), 100).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to scan user session indexes: %w", err)
		}
		for _, indexKey := range batch {
			if s.client.SCard(ctx, indexKey).Val() > 0 {
				stats.ActiveUsers++
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
	// The redis client is injected and shared with other stores.
	return nil
}
