// Package redis connects the auditor to the Redis instance that holds
// per-message delivery attempt counts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"auditlog/internal/platform/config"
	"auditlog/pkg/platform/audit/consumer"
)

const pingTimeout = 5 * time.Second

// Client is a pooled Redis connection plus the TTL applied to tracked
// delivery counts.
type Client struct {
	*redis.Client
	deliveryTTL time.Duration
}

// New connects using cfg. An empty URL means Redis is not configured and
// returns a nil client without error.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	c := &Client{Client: redis.NewClient(opts), deliveryTTL: cfg.DeliveryTTL}
	if err := c.Health(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Health pings the server, bounded by a short timeout.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// DeliveryTracker returns a consumer tracker that keeps attempt counts on
// this connection.
func (c *Client) DeliveryTracker() *consumer.RedisTracker {
	return consumer.NewRedisTracker(c.Client, c.deliveryTTL)
}
