package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider implements Provider against go-redis v9 (SPEC_FULL §6:
// "internal/storage implements the abstract key layout of §6 against
// github.com/redis/go-redis/v9 when REDIS_ADDR is set"), grounded on the
// teacher's redis_execution_store.go Set/Get/sorted-index usage, adapted
// from the older go-redis/v8 client the teacher itself used to the newer v9
// client already present in the teacher's ui submodule (DESIGN.md "dropped
// deps").
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider dials addr (host:port) with sane defaults; connectivity
// is verified lazily on first call, matching the teacher's own
// lazy-connect posture (no Ping in the constructor).
func NewRedisProvider(addr string) *RedisProvider {
	return &RedisProvider{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisProvider) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisProvider) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisProvider) ListByScoreDesc(ctx context.Context, key string, offset, count int64) ([]string, error) {
	members, err := r.client.ZRevRange(ctx, key, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisProvider) Close() error { return r.client.Close() }
