// Package state holds the proxy's shared mutable state: the connection slot
// ledger, per-candidate backoff windows and the cluster session registry.
// Every type has an in-process implementation and a Redis implementation so
// several proxy instances can share one view.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
)

// RedisClient wraps the Redis client with the key prefix all proxy keys share.
type RedisClient struct {
	*redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisClient creates a Redis client from configuration and logs a
// connection diagnostic. A failed ping is not fatal; commands retry.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) *RedisClient {
	if log == nil {
		log = slog.Default()
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 2,
		MaxRetries:   3,
	}

	c := WrapRedis(redis.NewClient(opts), cfg.KeyPrefix, log)
	log.Info("redis client initialized",
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB),
	)
	c.Diagnose(ctx)
	return c
}

// WrapRedis wraps an existing client. Tests use it with miniredis.
func WrapRedis(client *redis.Client, prefix string, log *slog.Logger) *RedisClient {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "dispatcharr:proxy"
	}
	return &RedisClient{
		Client: client,
		prefix: prefix,
		log:    log.With(slog.String("component", "redis")),
	}
}

// Key joins parts onto the configured prefix with ':' separators.
func (c *RedisClient) Key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Prefix returns the key prefix.
func (c *RedisClient) Prefix() string {
	return c.prefix
}

// Diagnose pings with a short timeout and logs the outcome.
func (c *RedisClient) Diagnose(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	opts := c.Options()
	log := c.log.With(
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
		slog.Int("max_retries", opts.MaxRetries),
	)

	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("connection failed", slog.String("error", err.Error()), slog.Duration("ping_rtt", elapsed))
		return err
	}
	log.Info("connection established", slog.Duration("ping_rtt", elapsed))
	return nil
}
