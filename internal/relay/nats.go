package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"gridrelay/internal/domain"
)

// NATSConfig holds the connection settings for the NATS transport.
type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

// natsPublisher is the subset of *nats.Conn the relay needs.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes broadcasts on a subject. Subscribers that are not connected
// at publish time miss the message.
type NATS struct {
	conn    natsPublisher
	subject string
}

func NewNATS(conn natsPublisher, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

// DialNATS connects with reconnect handling logged through logger.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "gridrelay"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

func (n *NATS) Publish(ctx context.Context, b domain.Broadcast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(b)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, data)
}
