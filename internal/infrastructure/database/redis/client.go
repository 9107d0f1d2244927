// Package redis provides the featurization result cache backed by Redis.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Client wraps a go-redis client with the application's connection policy.
type Client struct {
	rdb redis.UniversalClient
	log logging.Logger
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(cfg config.RedisConfig, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeFeatureCacheFailed, "connect to redis")
	}

	log.Info("redis connected", logging.String("addr", cfg.Addr), logging.Int("db", cfg.DB))
	return &Client{rdb: rdb, log: log.Named("redis")}, nil
}

// NewClientWithBackend builds a client over an existing backend, for tests.
func NewClientWithBackend(rdb redis.UniversalClient, log logging.Logger) *Client {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Client{rdb: rdb, log: log.Named("redis")}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
