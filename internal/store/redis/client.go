// Package redis provides the Redis-backed implementations of the broker's
// shared tiers: the authoritative result cache and the sync bus fan-out.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps one Redis connection shared by the cache and bus.
type Client struct {
	rdb *redis.Client
}

// New connects and pings.
func New(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis.Client.Close: %w", err)
	}
	return nil
}

// Ready reports whether Redis answers a ping, for the health probe.
func (c *Client) Ready(ctx context.Context) bool {
	return c.rdb.Ping(ctx).Err() == nil
}
