// Package nats connects to NATS JetStream and carries redemption
// notifications to live subscribers.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds NATS connection configuration.
type Config struct {
	URL            string        // e.g. "nats://localhost:4222"
	Name           string        // connection name shown in server monitoring
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 for unlimited
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns defaults for local development.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "redeem-service",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client wraps a NATS connection with JetStream enabled.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect dials cfg.URL and initialises JetStream.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "name", cfg.Name)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < cfg.ConnectTimeout {
			opts = append(opts, nats.Timeout(d))
		}
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	return &Client{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// JetStream returns the JetStream context for stream operations.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn {
	return c.nc
}

// Publish stores data on subject. msgID, when set, lets the stream drop
// duplicates inside its dedupe window, so a notification republished after a
// crash reaches subscribers once.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := c.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.nc.IsConnected()
}

// Close drains the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}

	return nil
}
