package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

const redisKeyPrefix = "ownables:dump:"

// RedisCache shares dumps between processes through Redis. Entries are
// hashes with "dump" and "digest" fields under ownables:dump:<id>:<pkg>:<hash>;
// Purge finds an ownable's entries with SCAN on its key prefix.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithRedisLogger sets the logger used for dropped entries.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(c *RedisCache) { c.logger = l }
}

// NewRedisCache wraps client. A zero ttl keeps entries until purged.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, ttl: ttl, logger: slog.Default().With("component", "cache")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func redisKey(k Key) string {
	return redisKeyPrefix + k.String()
}

func (c *RedisCache) Get(ctx context.Context, key Key) (statedump.Dump, bool, error) {
	vals, err := c.client.HMGet(ctx, redisKey(key), "dump", "digest").Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	data, okData := vals[0].(string)
	digest, okDigest := vals[1].(string)
	if !okData || !okDigest {
		return nil, false, nil
	}

	dump, err := decode(key, []byte(data), digest)
	if err != nil {
		if delErr := c.client.Del(ctx, redisKey(key)).Err(); delErr != nil {
			c.logger.WarnContext(ctx, "failed to drop corrupt dump", "key", key.String(), "error", delErr)
		}
		return nil, false, err
	}
	return dump, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key Key, dump statedump.Dump) error {
	data, digest, err := encode(dump)
	if err != nil {
		return err
	}
	rk := redisKey(key)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, rk, "dump", data, "digest", digest)
		if c.ttl > 0 {
			p.Expire(ctx, rk, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Purge(ctx context.Context, ownableID string) error {
	pattern := redisKeyPrefix + ownableID + ":*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", ownableID, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis purge %s: %w", ownableID, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
