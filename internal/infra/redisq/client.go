package redisq

import (
	"context"
	"fmt"
	"taskorch/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
	Log zerolog.Logger
}

func New(cfg config.Redis, log zerolog.Logger) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c, Log: log}
}

// Connect → used by one-shot commands
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	c.Log.Info().Msg("connected to redis")
	return nil
}

// Init → used by long-running processes, preloads the lock scripts
func (c *Client) Init(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	for name, s := range lockScripts {
		if err := s.Load(ctx, c.Rdb).Err(); err != nil {
			return fmt.Errorf("failed to load %s script: %w", name, err)
		}
	}

	c.Log.Info().
		Str("prefix", c.Cfg.Prefix).
		Msg("redis task store ready")

	return nil
}

func (c *Client) Close() error { return c.Rdb.Close() }

func (c *Client) key(parts ...string) string {
	k := c.Cfg.Prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (c *Client) taskKey(id string) string { return c.key("task:", id) }
func (c *Client) indexKey() string         { return c.key("tasks") }
func (c *Client) lockKey(id string) string { return c.key("lock:", id) }
func (c *Client) leaseKey() string         { return c.key("leases") }
