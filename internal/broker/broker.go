// Package broker turns envelope bytes into durable messages on the configured exchange.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/user-service/internal/config"
	"go.uber.org/zap"
)

var (
	ErrClientClosed = errors.New("broker client is closed")
	ErrNotConnected = errors.New("broker is not connected")
	ErrNacked       = errors.New("broker rejected the message")

	// ErrUnroutable means no queue is bound for the routing key yet.
	ErrUnroutable = errors.New("broker has no route for the message")
)

// Message is one envelope ready for the wire.
type Message struct {
	// RoutingKey is the outbox topic.
	RoutingKey    string
	Body          []byte
	MessageID     string
	CorrelationID string
	Timestamp     time.Time
}

// Client is a long-lived broker session. Connect once at startup, Close at
// exit; Publish re-establishes a dropped session on its own.
type Client interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// New builds the client selected by cfg.Driver.
func New(cfg config.BrokerConfig, log *zap.SugaredLogger) (Client, error) {
	switch cfg.Driver {
	case config.DriverAMQP:
		return NewAMQPClient(AMQPConfig{
			URL:          cfg.URL,
			Exchange:     cfg.Exchange,
			ExchangeKind: cfg.ExchangeKind,
		}, log), nil
	case config.DriverKafka:
		return NewKafkaClient(cfg.KafkaBrokers, cfg.Exchange), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
