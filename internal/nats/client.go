package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/usagegate/internal/config"
)

// streamConfigs are the JetStream streams usagegate owns. Usage reports are
// work-queue messages removed once acked; alert events are kept for other
// subscribers.
var streamConfigs = []jetstream.StreamConfig{
	{
		Name:        StreamUsage,
		Description: "usage reports awaiting recording",
		Subjects:    []string{"usagegate.usage.>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Duplicates:  DuplicateWindow,
	},
	{
		Name:        StreamEvents,
		Description: "quota alert events",
		Subjects:    []string{"usagegate.events.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  DuplicateWindow,
	},
}

// Client is a NATS connection with the usagegate streams in place.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects to cfg.URL and creates or updates the streams.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	logger := slog.Default().With("component", "nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("usagegate"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	for _, sc := range streamConfigs {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensuring stream %s: %w", sc.Name, err)
		}
		logger.Debug("stream ready", "stream", sc.Name)
	}

	logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())
	return &Client{conn: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	return c.conn.Status() == nats.CONNECTED
}

// Close drains pending messages before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("nats: draining connection", "error", err)
	}
}
