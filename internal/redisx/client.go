package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func New(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Cache is the fast path in front of Postgres. Every method degrades to a
// miss when Redis is unreachable; the database constraints stay the source
// of truth.
type Cache struct {
	RDB redis.Cmdable
	Log zerolog.Logger
}

func (c *Cache) CheckoutOrder(ctx context.Context, key string) (string, bool) {
	id, err := c.RDB.Get(ctx, fmt.Sprintf(KeyIdemCheckout, key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.Log.Warn().Err(err).Msg("redis idempotency lookup failed")
		}
		return "", false
	}
	return id, id != ""
}

func (c *Cache) RememberCheckout(ctx context.Context, key, orderID string) {
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyIdemCheckout, key), orderID, TTLIdempotency).Err(); err != nil {
		c.Log.Warn().Err(err).Msg("redis idempotency store failed")
	}
}

func (c *Cache) SeenWebhook(ctx context.Context, digest string) bool {
	ok, err := Exists(ctx, c.RDB, fmt.Sprintf(KeyDedupWebhook, digest))
	if err != nil {
		c.Log.Warn().Err(err).Msg("redis webhook dedup lookup failed")
		return false
	}
	return ok
}

func (c *Cache) MarkWebhook(ctx context.Context, digest string) {
	if err := c.RDB.Set(ctx, fmt.Sprintf(KeyDedupWebhook, digest), 1, TTLDedup).Err(); err != nil {
		c.Log.Warn().Err(err).Msg("redis webhook dedup store failed")
	}
}

// MarkOnce reports whether key was newly claimed. A Redis failure counts as
// claimed so consumers fall back to at-least-once delivery.
func (c *Cache) MarkOnce(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := c.RDB.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		c.Log.Warn().Err(err).Str("key", key).Msg("redis dedup claim failed")
		return true
	}
	return ok
}

func (c *Cache) Forget(ctx context.Context, key string) {
	if err := c.RDB.Del(ctx, key).Err(); err != nil {
		c.Log.Warn().Err(err).Str("key", key).Msg("redis dedup release failed")
	}
}
