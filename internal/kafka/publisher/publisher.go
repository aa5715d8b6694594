// Package publisher encodes delivery lifecycle events and DLQ records and
// hands them to the Kafka producer.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ajayykmr/faultchat/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// AsyncProducer captures the subset of producer behaviour required by the
// Kafka publishers.
type AsyncProducer interface {
	PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// StatusPublisher emits status events to a Kafka topic using the shared producer.
type StatusPublisher struct {
	producer AsyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher instance. It returns nil
// when prod is nil.
func NewStatusPublisher(prod AsyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishStatus enqueues the supplied status event. Events are keyed by
// message id so every event of one message lands on the same partition.
func (p *StatusPublisher) PublishStatus(_ context.Context, event models.StatusEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal status event: %w", err)
	}

	if err := p.producer.PublishAsync(p.topic, keyFor(event.MessageID, event.Node), jsonHeaders(event.EventType), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}
	p.logger.Trace().
		Str("topic", p.topic).
		Str("message_id", event.MessageID).
		Str("event", event.EventType).
		Msg("status event enqueued")
	return nil
}

// DLQPublisher writes records whose retry budget ran out to the configured
// Kafka topic.
type DLQPublisher struct {
	producer AsyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDLQPublisher constructs a DLQPublisher instance. It returns nil when
// prod is nil.
func NewDLQPublisher(prod AsyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DLQPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDLQ enqueues the supplied DLQ record.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dlq record: %w", err)
	}

	if err := p.producer.PublishAsync(p.topic, keyFor(record.MessageID, record.Node), jsonHeaders(record.FailureType), payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dlq record: %w", err)
	}
	p.logger.Info().
		Str("topic", p.topic).
		Str("message_id", record.MessageID).
		Int("attempts", record.Attempts).
		Msg("dlq record enqueued")
	return nil
}

// keyFor falls back to the node name for events not tied to a message.
func keyFor(messageID, node string) []byte {
	if messageID != "" {
		return []byte(messageID)
	}
	return []byte(node)
}

func jsonHeaders(kind string) map[string][]byte {
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}
	if kind != "" {
		headers["event-type"] = []byte(kind)
	}
	return headers
}
