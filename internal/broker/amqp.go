package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	contentTypeJSON          = "application/json"
	defaultReconnectInterval = time.Second
	defaultAMQPExchangeKind  = amqp.ExchangeTopic
)

type AMQPConfig struct {
	URL          string
	Exchange     string
	ExchangeKind string
	// ReconnectInterval throttles reconnect attempts while the broker is down.
	ReconnectInterval time.Duration
}

type amqpConnection interface {
	openChannel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type liveConnection struct{ *amqp.Connection }

func (c liveConnection) openChannel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return liveConnection{conn}, nil
}

// AMQPClient publishes persistent messages with publisher confirms.
// Publishes are serialized so each confirmation pairs with its message.
type AMQPClient struct {
	cfg  AMQPConfig
	log  *zap.SugaredLogger
	dial func(url string) (amqpConnection, error)
	now  func() time.Time

	mu          sync.Mutex
	conn        amqpConnection
	ch          amqpChannel
	confirms    chan amqp.Confirmation
	closes      chan *amqp.Error
	returns     chan amqp.Return
	lastAttempt time.Time
	closed      bool
}

var _ Client = (*AMQPClient)(nil)

// NewAMQPClient returns an unconnected client.
func NewAMQPClient(cfg AMQPConfig, log *zap.SugaredLogger) *AMQPClient {
	if cfg.ExchangeKind == "" {
		cfg.ExchangeKind = defaultAMQPExchangeKind
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &AMQPClient{cfg: cfg, log: log, dial: dialAMQP, now: time.Now}
}

// Connect dials the broker, declares the durable exchange and enables confirms.
func (c *AMQPClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.healthyLocked() {
		return nil
	}
	c.lastAttempt = c.now()
	return c.connectLocked()
}

// Reconnect drops the current session and opens a new one.
func (c *AMQPClient) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.teardownLocked()
	c.lastAttempt = c.now()
	return c.connectLocked()
}

// Publish sends msg to the exchange with routing key msg.RoutingKey and waits
// for the broker ack. ctx bounds both the publish and the confirm wait.
// Messages are mandatory: one that reaches no queue fails with ErrUnroutable.
func (c *AMQPClient) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if !c.healthyLocked() {
		if c.now().Sub(c.lastAttempt) < c.cfg.ReconnectInterval {
			return ErrNotConnected
		}
		c.teardownLocked()
		c.lastAttempt = c.now()
		if err := c.connectLocked(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		c.log.Infof("amqp session re-established exchange=%s", c.cfg.Exchange)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	pub := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.RoutingKey,
		Timestamp:     ts,
		Body:          msg.Body,
	}
	if err := c.ch.PublishWithContext(ctx, c.cfg.Exchange, msg.RoutingKey, true, false, pub); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			c.teardownLocked()
		}
		return fmt.Errorf("amqp publish: %w", err)
	}

	select {
	case conf, ok := <-c.confirms:
		if !ok {
			c.teardownLocked()
			return fmt.Errorf("amqp confirm: %w", amqp.ErrClosed)
		}
		if !conf.Ack {
			return ErrNacked
		}
		// The broker sends basic.return before the ack of the same message.
		select {
		case ret := <-c.returns:
			return fmt.Errorf("%w: exchange=%s key=%s reply=%d %s",
				ErrUnroutable, ret.Exchange, ret.RoutingKey, ret.ReplyCode, ret.ReplyText)
		default:
		}
		return nil
	case <-ctx.Done():
		// A late confirm would be paired with the next message.
		c.teardownLocked()
		return fmt.Errorf("amqp confirm: %w", ctx.Err())
	}
}

// Close ends the session. The client cannot be reused afterwards.
func (c *AMQPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.teardownLocked()
}

func (c *AMQPClient) connectLocked() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.openChannel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, c.cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp confirm mode: %w", err)
	}
	c.conn = conn
	c.ch = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.closes = ch.NotifyClose(make(chan *amqp.Error, 1))
	c.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	c.log.Infof("amqp connected exchange=%s kind=%s", c.cfg.Exchange, c.cfg.ExchangeKind)
	return nil
}

func (c *AMQPClient) healthyLocked() bool {
	if c.conn == nil || c.ch == nil {
		return false
	}
	select {
	case reason, ok := <-c.closes:
		if ok && reason != nil {
			c.log.Warnf("amqp channel closed: %v", reason)
		}
		c.teardownLocked()
		return false
	default:
	}
	return !c.conn.IsClosed() && !c.ch.IsClosed()
}

func (c *AMQPClient) teardownLocked() error {
	var errs []error
	if c.ch != nil && !c.ch.IsClosed() {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	c.ch, c.conn, c.confirms, c.closes, c.returns = nil, nil, nil, nil, nil
	return errors.Join(errs...)
}
