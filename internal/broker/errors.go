package broker

import (
	"context"
	"errors"
	"io"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// IsTransient reports whether err comes from the broker being unavailable
// rather than from the message itself. Transient failures are retried until
// the broker recovers and never dead-letter a row.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNacked) {
		return false
	}
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrClientClosed),
		errors.Is(err, ErrUnroutable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, amqp.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Connection and channel exceptions end the session, not the message.
		return true
	}
	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		return kafkaErr.Temporary()
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		seen := false
		for _, e := range writeErrs {
			if e == nil {
				continue
			}
			if !IsTransient(e) {
				return false
			}
			seen = true
		}
		return seen
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
