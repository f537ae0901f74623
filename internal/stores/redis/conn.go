package redis

import (
	"context"
	"fmt"

	"referralfees/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

type Client struct {
	*goredis.Client
}

func New(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed ping redis %s, error=%w", cfg.Addr, err)
	}

	return &Client{rdb}, nil
}

// Health used by readiness probes
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
