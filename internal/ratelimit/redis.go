package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

// DefaultRedisPrefix namespaces bucket keys in a shared Redis.
const DefaultRedisPrefix = "taskhub:ratelimit:"

// RedisStore shares buckets between processes. A bucket is a counter key
// whose TTL is the policy interval; the key expiring is the refill. The
// check-and-increment runs as one Lua script so it is atomic per key.
type RedisStore struct {
	client redis.Scripter
	script *redis.Script
	prefix string
}

func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: prefix,
	}
}

func (r *RedisStore) Acquire(ctx context.Context, key string, p Policy) (bool, error) {
	if err := p.validate(); err != nil {
		return false, err
	}

	windowKey := r.prefix + p.Name + ":" + key
	allowed, err := r.script.Run(ctx, r.client, []string{windowKey}, p.Capacity, p.Interval.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("run bucket script: %w", err)
	}
	return allowed == 1, nil
}
