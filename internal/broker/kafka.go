package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publish writes one message and waits for it, so batching only adds latency.
const kafkaBatchTimeout = 5 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes every envelope to a single Kafka topic named after the
// exchange, keyed by outbox topic so one event type keeps partition order.
type KafkaClient struct {
	brokers   []string
	topic     string
	newWriter func() messageWriter

	mu     sync.Mutex
	w      messageWriter
	closed bool
}

var _ Client = (*KafkaClient)(nil)

func NewKafkaClient(brokers []string, topic string) *KafkaClient {
	c := &KafkaClient{brokers: brokers, topic: topic}
	c.newWriter = func() messageWriter { return newKafkaWriter(c.brokers, c.topic) }
	return c
}

func newKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: kafkaBatchTimeout,
	}
}

// Connect creates the writer. kafka-go dials lazily on the first write.
func (c *KafkaClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if len(c.brokers) == 0 {
		return fmt.Errorf("%w: no kafka brokers configured", ErrNotConnected)
	}
	if c.w == nil {
		c.w = c.newWriter()
	}
	return nil
}

func (c *KafkaClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.w != nil {
		_ = c.w.Close()
		c.w = nil
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}

func (c *KafkaClient) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.w == nil {
		if len(c.brokers) == 0 {
			return ErrNotConnected
		}
		c.w = c.newWriter()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	km := kafka.Message{
		Key:   []byte(msg.RoutingKey),
		Value: msg.Body,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(msg.RoutingKey)},
			{Key: "content-type", Value: []byte(contentTypeJSON)},
			{Key: "message-id", Value: []byte(msg.MessageID)},
		},
	}
	if msg.CorrelationID != "" {
		km.Headers = append(km.Headers, kafka.Header{Key: "correlation-id", Value: []byte(msg.CorrelationID)})
	}
	if err := c.w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (c *KafkaClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}
