package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gridrelay/internal/domain"
)

// AMQPConfig configures the RabbitMQ fanout transport.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQP publishes broadcasts to a fanout exchange. Bound queues receive a copy;
// with no queue bound the message is dropped by the broker.
type AMQP struct {
	cfg    AMQPConfig
	logger *slog.Logger
	dial   func() (*amqp.Connection, amqpChannel, error)

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

var errAMQPNotConnected = errors.New("amqp channel not connected")

// DialAMQP connects and declares the exchange. A lost connection is
// re-established on the next publish.
func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "gridrelay.broadcasts"
	}
	a := &AMQP{cfg: cfg, logger: logger.With("transport", "amqp")}
	a.dial = a.connect
	if err := a.ensureChannel(); err != nil {
		return nil, err
	}
	return a, nil
}

func newAMQPWithChannel(ch amqpChannel, exchange string) *AMQP {
	return &AMQP{
		cfg:     AMQPConfig{Exchange: exchange},
		logger:  slog.Default(),
		channel: ch,
		dial: func() (*amqp.Connection, amqpChannel, error) {
			return nil, nil, errAMQPNotConnected
		},
	}
}

func (a *AMQP) connect() (*amqp.Connection, amqpChannel, error) {
	conn, err := amqp.DialConfig(a.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "gridrelay",
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", a.cfg.Exchange, err)
	}
	a.logger.Info("connected to rabbitmq", "exchange", a.cfg.Exchange)
	return conn, ch, nil
}

func (a *AMQP) ensureChannel() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil && !a.channel.IsClosed() {
		return nil
	}
	if a.conn != nil && !a.conn.IsClosed() {
		a.conn.Close()
	}
	conn, ch, err := a.dial()
	if err != nil {
		return err
	}
	a.conn, a.channel = conn, ch
	return nil
}

func (a *AMQP) Publish(ctx context.Context, b domain.Broadcast) error {
	data, err := encode(b)
	if err != nil {
		return err
	}
	if err := a.ensureChannel(); err != nil {
		return err
	}

	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()

	err = ch.PublishWithContext(ctx, a.cfg.Exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    b.ID,
		Type:         b.Method,
		Timestamp:    time.Now().UTC(),
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
