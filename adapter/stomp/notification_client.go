package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	notify "github.com/bjoelf/notify-adapter/adapter"
)

var _ notify.NotificationStream = (*NotificationClient)(nil)

// NotificationClient is the consumer-facing notification stream.
// It wires the transport, the connection manager and the configured defaults together.
type NotificationClient struct {
	manager     *ConnectionManager
	destination string
}

// NewNotificationClient builds a client from cfg. A nil transport creates the default
// STOMP transport for cfg.Endpoint. The backoff policy comes from cfg unless an
// Option overrides it.
func NewNotificationClient(cfg *notify.Config, transport Transport, logger *slog.Logger, opts ...Option) (*NotificationClient, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if transport == nil {
		t, err := NewTransport(TransportOptionsFromConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		transport = t
	}

	policy := WithBackoff(BackoffConfig{
		InitialDelay:           cfg.Backoff.InitialDelay,
		MaxDelay:               cfg.Backoff.MaxDelay,
		Multiplier:             cfg.Backoff.Multiplier,
		MaxConsecutiveFailures: cfg.Backoff.MaxFailures,
	})
	opts = append([]Option{policy}, opts...)

	destination := cfg.Destination
	if destination == "" {
		destination = notify.DefaultDestination
	}

	logger.Info("Notification client created",
		"function", "NewNotificationClient",
		"endpoint", cfg.Endpoint,
		"destination", destination)

	return &NotificationClient{
		manager:     NewConnectionManager(transport, logger, opts...),
		destination: destination,
	}, nil
}

func (c *NotificationClient) Connect(ctx context.Context, credential string, onReconnect func()) error {
	return c.manager.Connect(ctx, credential, onReconnect)
}

func (c *NotificationClient) UpdateCredential(credential string) error {
	return c.manager.UpdateCredential(credential)
}

// Subscribe replaces the subscription. An empty destination uses the configured one.
func (c *NotificationClient) Subscribe(destination string, handler notify.NotificationHandler) error {
	if destination == "" {
		destination = c.destination
	}
	return c.manager.Subscribe(destination, handler)
}

func (c *NotificationClient) Teardown() {
	c.manager.Teardown()
}

func (c *NotificationClient) ManualReconnect(ctx context.Context, credential string, onReconnect func()) error {
	return c.manager.ManualReconnect(ctx, credential, onReconnect)
}

func (c *NotificationClient) IsConnected() bool { return c.manager.IsConnected() }
func (c *NotificationClient) IsStopped() bool   { return c.manager.IsStopped() }

// State exposes the manager state for diagnostics
func (c *NotificationClient) State() State { return c.manager.State() }

func (c *NotificationClient) Reconnects() (<-chan notify.ReconnectEvent, func()) {
	return c.manager.Reconnects()
}
