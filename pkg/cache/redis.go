// Package cache provides the shared Redis client used by the lock manager,
// idempotency store, rate limiter, feed health cache, state manager, and
// task queue. It wraps github.com/redis/go-redis/v9 with a pooled-connection
// health-check loop.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client wraps a *redis.Client with a background health-check loop.
type Client struct {
	*redis.Client
	log     *logrus.Entry
	healthy bool
}

// Options configures the cache client.
type Options struct {
	URL         string
	PoolSize    int
	DialTimeout time.Duration
}

// New parses URL and returns a Client; connections are opened lazily on
// first use. The health-check loop is started by RunHealthCheck and stops
// when ctx is cancelled.
func New(opts Options, log *logrus.Entry) (*Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	}
	rc := redis.NewClient(redisOpts)
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{Client: rc, log: log.WithField("component", "cache"), healthy: true}, nil
}

// Healthy reports whether the most recent ping succeeded.
func (c *Client) Healthy() bool { return c.healthy }

// RunHealthCheck pings Redis on interval until ctx is cancelled, updating
// Healthy() and logging state transitions.
func (c *Client) RunHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.Ping(pingCtx).Err()
			cancel()
			wasHealthy := c.healthy
			c.healthy = err == nil
			if wasHealthy && !c.healthy {
				c.log.WithError(err).Warn("redis health check failed")
			} else if !wasHealthy && c.healthy {
				c.log.Info("redis connection recovered")
			}
		}
	}
}
