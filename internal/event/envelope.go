// Package event wraps outbox payloads into the envelope consumers receive.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version of the envelope schema.
const Version = 1

// DefaultProducer is used when the builder is created without a service name.
const DefaultProducer = "user-service"

// ErrTopicRequired is returned when a source has no topic.
var ErrTopicRequired = errors.New("event topic is required")

// Envelope is the JSON document published to the broker.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    string          `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Producer      string          `json:"producer"`
	Payload       json.RawMessage `json:"payload"`
}

// Source is a raw payload plus the metadata the caller already knows.
type Source struct {
	// Key identifies the payload durably (an outbox row id). Equal keys yield
	// equal envelope ids, which lets consumers drop redeliveries.
	Key           string
	Topic         string
	Payload       json.RawMessage
	OccurredAt    time.Time
	CorrelationID string
}

// Builder stamps envelopes for one producer.
type Builder struct {
	producer string
	now      func() time.Time
	newID    func() string
}

// NewBuilder returns a Builder for producer.
func NewBuilder(producer string) *Builder {
	if strings.TrimSpace(producer) == "" {
		producer = DefaultProducer
	}
	return &Builder{
		producer: producer,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Producer is the service name stamped on envelopes.
func (b *Builder) Producer() string { return b.producer }

// Build wraps src into an Envelope.
func (b *Builder) Build(src Source) (Envelope, error) {
	if strings.TrimSpace(src.Topic) == "" {
		return Envelope{}, ErrTopicRequired
	}
	payload := src.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Envelope{}, errors.New("event payload is not valid JSON")
	}

	occurred := src.OccurredAt
	if occurred.IsZero() {
		occurred = b.now()
	}

	correlationID := src.CorrelationID
	if correlationID == "" {
		correlationID = correlationFromPayload(payload)
	}
	if correlationID == "" {
		correlationID = b.newID()
	}

	id := b.newID()
	if src.Key != "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.producer+"/"+src.Key)).String()
	}

	return Envelope{
		ID:            id,
		Type:          src.Topic,
		Version:       Version,
		OccurredAt:    occurred.UTC().Format(time.RFC3339Nano),
		CorrelationID: correlationID,
		Producer:      b.producer,
		Payload:       payload,
	}, nil
}

// Marshal builds the envelope and encodes it as the message body.
func (b *Builder) Marshal(src Source) (Envelope, []byte, error) {
	env, err := b.Build(src)
	if err != nil {
		return Envelope{}, nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, body, nil
}

func correlationFromPayload(payload json.RawMessage) string {
	var fields struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.CorrelationID
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that transactors copy into payloads.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
