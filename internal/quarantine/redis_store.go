package quarantine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKey = "sentry:quarantine"

// RedisStore is the opt-in, shared-substrate quarantine backend for
// operators running more than one broker/gateway instance against
// the same agent population.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore dials addr and verifies connectivity before
// returning, so the caller can decide to fall back to MemoryStore on
// error rather than run degraded.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis quarantine store: ping %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, agentID string) error {
	return s.rdb.SAdd(ctx, redisKey, agentID).Err()
}

// Contains implements Store.
func (s *RedisStore) Contains(ctx context.Context, agentID string) (bool, error) {
	return s.rdb.SIsMember(ctx, redisKey, agentID).Result()
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, agentID string) error {
	return s.rdb.SRem(ctx, redisKey, agentID).Err()
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
