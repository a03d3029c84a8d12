package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/evilkost/copr/internal/shared/config"
)

// Client wraps the NATS connection with simple functionality
type Client struct {
	conn         *nats.Conn
	pendingMsgs  int
	pendingBytes int
}

// NewClient creates a new NATS client with the provided configuration
func NewClient(cfg *config.NATSConfig, name string) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NATS configuration is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one NATS url is required")
	}

	// Every configured server is tried, the first one that answers wins
	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), options(cfg, name, slog.Default())...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("Connected to NATS", "url", conn.ConnectedUrl())

	return &Client{
		conn:         conn,
		pendingMsgs:  cfg.PendingMsgs,
		pendingBytes: cfg.PendingBytes,
	}, nil
}

func options(cfg *config.NATSConfig, name string, logger *slog.Logger) []nats.Option {
	if name == "" {
		name = "copr-client"
	}
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(asyncErrorHandler(logger)),
	}
}

// asyncErrorHandler logs errors the server or the client library report
// outside of a call, most importantly messages dropped for a slow consumer.
func asyncErrorHandler(logger *slog.Logger) nats.ErrHandler {
	return func(_ *nats.Conn, sub *nats.Subscription, err error) {
		subject := ""
		if sub != nil {
			subject = sub.Subject
		}
		if errors.Is(err, nats.ErrSlowConsumer) {
			args := []any{"subject", subject}
			if sub != nil {
				if dropped, derr := sub.Dropped(); derr == nil {
					args = append(args, "dropped", dropped)
				}
			}
			logger.Error("NATS slow consumer, messages dropped", args...)
			return
		}
		logger.Error("NATS async error", "subject", subject, "err", err)
	}
}

// Publish publishes a message to the given subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Listen delivers the messages of subject on a channel until stop is
// called. Messages the reader has not taken yet queue up in the
// subscription up to the configured pending limits. The channel is never
// closed.
func (c *Client) Listen(subject string) (<-chan *nats.Msg, func() error, error) {
	ch := make(chan *nats.Msg)
	done := make(chan struct{})

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg:
		case <-done:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if c.pendingMsgs > 0 && c.pendingBytes > 0 {
		if err := sub.SetPendingLimits(c.pendingMsgs, c.pendingBytes); err != nil {
			_ = sub.Unsubscribe()
			return nil, nil, fmt.Errorf("failed to set pending limits on %s: %w", subject, err)
		}
	}

	var once sync.Once
	stop := func() error {
		err := sub.Unsubscribe()
		once.Do(func() { close(done) })
		return err
	}
	return ch, stop, nil
}

// Close drains and closes the NATS connection
func (c *Client) Close() error {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		slog.Info("NATS connection closed")
	}
	return nil
}

// IsConnected returns true if the client is connected to NATS
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Ping round-trips to the server, used by the health endpoint
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return c.conn.FlushWithContext(ctx)
}

// Flush flushes any pending messages
func (c *Client) Flush() error {
	return c.conn.Flush()
}
