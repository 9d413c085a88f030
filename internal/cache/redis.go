package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "trade-governor/internal/errors"
)

// RedisConfig holds connection settings for RedisCounters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCounters is a Counters implementation shared across processes.
type RedisCounters struct {
	client *redis.Client
	prefix string
}

var _ Counters = (*RedisCounters)(nil)

// NewRedisCounters connects to Redis and verifies the connection.
func NewRedisCounters(ctx context.Context, cfg RedisConfig) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCounters{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisCounters) key(k string) string {
	return r.prefix + k
}

func (r *RedisCounters) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", key, apperrors.ErrCacheMiss)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCounters) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCounters) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, r.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCounters) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := r.client.IncrByFloat(ctx, r.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrbyfloat %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCounters) ExpireAt(ctx context.Context, key string, at time.Time) error {
	if err := r.client.ExpireAt(ctx, r.key(key), at).Err(); err != nil {
		return fmt.Errorf("redis expireat %s: %w", key, err)
	}
	return nil
}

func (r *RedisCounters) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}
