package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referralfees/internal/config"
	"referralfees/internal/pubsub"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var _ pubsub.Broadcaster = (*Client)(nil)

const flushTimeout = 5 * time.Second

type Client struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger, cfg *config.NATSConfig) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nats config is required")
	}

	url := cfg.URL
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	opts := []nats.Option{
		nats.Name("referralfees"),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1), // endless reconnected
		nats.ReconnectWait(2 * time.Second),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Infof("Connected to NATS successfully, url=%s", url)

	return &Client{
		nc:  nc,
		log: log,
	}, nil
}

// Publish JSON-encodes data and waits until the server has it (or ctx expires)
func (c *Client) Publish(ctx context.Context, subject string, data any) error {
	if c.nc == nil {
		return errors.New("nats connection is not initialized")
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode nats message: %w", err)
	}
	if err = c.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	// FlushWithContext refuses a ctx without deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err = c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush nats publish to %s: %w", subject, err)
	}

	c.log.Debugf("Published to NATS, subject=%s, bytes=%d", subject, len(b))
	return nil
}

func (c *Client) Health(_ context.Context) error {
	if !c.Ready() {
		return fmt.Errorf("nats not connected, status=%s", c.Status())
	}
	return nil
}

func (c *Client) Ready() bool {
	if c.nc == nil {
		return false
	}
	return c.nc.Status() == nats.CONNECTED
}

func (c *Client) Status() nats.Status {
	if c.nc == nil {
		return nats.DISCONNECTED
	}
	return c.nc.Status()
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}

	// check not close this conn
	if c.nc.Status() == nats.CLOSED {
		return nil
	}

	if err := c.nc.Drain(); err != nil {
		c.log.Errorf("Failed to drain connection to NATS, error=%v", err)
		c.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}

	c.nc.Close()
	c.log.Infof("NATS connection closed gracefully")
	return nil
}
