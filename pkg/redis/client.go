package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Client owns the shared go-redis connection pool used by the store, stream,
// memory, notify and lock packages
type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

type ConnectionConfig struct {
	URL             string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
}

func NewClient(config ConnectionConfig, logger *logrus.Logger) (*Client, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries
	opt.MinRetryBackoff = config.MinRetryBackoff
	opt.MaxRetryBackoff = config.MaxRetryBackoff
	opt.DialTimeout = config.DialTimeout
	opt.ReadTimeout = config.ReadTimeout
	opt.WriteTimeout = config.WriteTimeout
	opt.PoolSize = config.PoolSize
	opt.MinIdleConns = config.MinIdleConns
	opt.MaxConnAge = config.MaxConnAge
	opt.PoolTimeout = config.PoolTimeout
	opt.IdleTimeout = config.IdleTimeout

	client := Wrap(redis.NewClient(opt), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", opt.Addr).Info("Successfully connected to Redis")
	return client, nil
}

// Wrap adopts an existing go-redis client, used by tests against miniredis
func Wrap(rdb *redis.Client, logger *logrus.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}

// DefaultConnectionConfig keeps read and write timeouts well under the per-call
// budgets of the decision cycle
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:             url,
		MaxRetries:      2,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 256 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		PoolSize:        20,
		MinIdleConns:    5,
		MaxConnAge:      30 * time.Minute,
		PoolTimeout:     2 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}
