package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisProvider is an optional remote cache backend. Capacity is advisory
// under this backend — Redis manages its own eviction — so RedisProvider
// accepts every namespace rather than consulting a CapacityResolver.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// NewRedisProvider wraps an already-configured redis.Client. prefix is
// prepended to every namespace to keep this engine's keys segregated within
// a shared Redis instance.
func NewRedisProvider(client *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{client: client, prefix: prefix}
}

func (p *RedisProvider) redisKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", p.prefix, namespace, key)
}

func (p *RedisProvider) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := p.client.Set(ctx, p.redisKey(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (p *RedisProvider) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, err := p.client.Get(ctx, p.redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	return v, true, nil
}
