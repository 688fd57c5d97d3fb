package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

const redisKeyPrefix = "kernel:idem:"

// RedisCache is an opt-in idempotency store shared across kernel instances.
// The default in-process cache is local to one process; deployments running
// several instances behind a balancer can point them all at Redis so a
// replayed key is honoured regardless of which instance served the original.
type RedisCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCache creates a Redis-backed cache store.
func NewRedisCache(client *redis.Client, log *logger.Logger) *RedisCache {
	if log == nil {
		log = logger.NewDefault("idem-cache")
	}
	return &RedisCache{client: client, log: log}
}

// Get returns the cached result for a key. Transport or decode failures are
// treated as a cache miss; idempotency degrades rather than blocking
// commands.
func (c *RedisCache) Get(key string) (adapter.Result, bool) {
	data, err := c.client.Get(context.Background(), redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("idempotency cache read failed")
		}
		return adapter.Result{}, false
	}

	var result adapter.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.log.WithError(err).Warn("idempotency cache entry corrupt")
		return adapter.Result{}, false
	}
	return result, true
}

// Set stores a result with the TTL applied by Redis itself.
func (c *RedisCache) Set(key string, result adapter.Result, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		c.log.WithError(err).Warn("idempotency cache encode failed")
		return
	}
	if err := c.client.Set(context.Background(), redisKeyPrefix+key, data, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("idempotency cache write failed")
	}
}
