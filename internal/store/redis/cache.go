package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/koord/internal/domain"
)

// Cache is the Redis-backed broker cache tier. Entries live under
// "koord:cache:<topic>:<key>" with a native TTL; the member set
// "koord:cachekeys:<topic>" tracks keys per topic so a whole topic can be
// flushed eagerly on a ChangeEvent.
type Cache struct {
	client *Client
}

// NewCache creates the cache tier on a shared client.
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

func entryKey(topic, key string) string {
	return "koord:cache:" + topic + ":" + key
}

func topicSetKey(topic string) string {
	return "koord:cachekeys:" + topic
}

func (c *Cache) Get(ctx context.Context, topic, key string) ([]byte, bool, error) {
	val, err := c.client.rdb.Get(ctx, entryKey(topic, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis.Cache.Get: %w: %w", domain.ErrCacheUnavailable, err)
	}
	return val, true, nil
}

func (c *Cache) Set(ctx context.Context, topic, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	pipe := c.client.rdb.TxPipeline()
	pipe.Set(ctx, entryKey(topic, key), value, ttl)
	pipe.SAdd(ctx, topicSetKey(topic), key)
	// Keep the member set from outliving its entries forever; it is
	// re-created on the next write.
	pipe.Expire(ctx, topicSetKey(topic), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Cache.Set: %w: %w", domain.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, topic, keyHint string) error {
	if keyHint != "" {
		pipe := c.client.rdb.TxPipeline()
		pipe.Del(ctx, entryKey(topic, keyHint))
		pipe.SRem(ctx, topicSetKey(topic), keyHint)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis.Cache.Invalidate: %w: %w", domain.ErrCacheUnavailable, err)
		}
		return nil
	}

	keys, err := c.client.rdb.SMembers(ctx, topicSetKey(topic)).Result()
	if err != nil {
		return fmt.Errorf("redis.Cache.Invalidate: %w: %w", domain.ErrCacheUnavailable, err)
	}

	pipe := c.client.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, entryKey(topic, k))
	}
	pipe.Del(ctx, topicSetKey(topic))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Cache.Invalidate: %w: %w", domain.ErrCacheUnavailable, err)
	}
	return nil
}
