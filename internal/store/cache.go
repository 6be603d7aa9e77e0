package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a BlobCache backed by a Redis instance, for
// deployments that want the blob store's hot path (the `wm_core`
// snapshot written every serialization pass) off the SQLite write
// path. Disabled by simply not calling Facade.WithCache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wires a Redis client at addr as a write-through cache
// in front of the blob table, with entries expiring after ttl so a
// cache that falls behind SQLite (e.g. after a restore) self-heals
// rather than serving stale blobs forever.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(name string) ([]byte, bool) {
	data, err := c.client.Get(context.Background(), cacheKey(name)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Set(name string, data []byte) {
	c.client.Set(context.Background(), cacheKey(name), data, c.ttl)
}

func (c *RedisCache) Delete(name string) {
	c.client.Del(context.Background(), cacheKey(name))
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func cacheKey(name string) string { return "kwm:blob:" + name }
