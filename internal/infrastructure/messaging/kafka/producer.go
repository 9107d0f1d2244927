package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

const schemaVersion = "1.0"

// writer abstracts kafka.Writer so tests can capture messages.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes run lifecycle events. Messages are keyed by model UUID
// so all events of one run land in the same partition, in order.
type Producer struct {
	w      writer
	prefix string
	log    logging.Logger
}

// NewProducer builds a producer over the configured brokers.
func NewProducer(cfg config.KafkaConfig, log logging.Logger) *Producer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.ProducerRetries,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
	return &Producer{w: w, prefix: cfg.TopicPrefix, log: log.Named("kafka")}
}

// newProducerWithWriter wires a fake writer, for tests.
func newProducerWithWriter(w writer, prefix string, log logging.Logger) *Producer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Producer{w: w, prefix: prefix, log: log.Named("kafka")}
}

// Publish wraps payload in an EventEnvelope and writes it to the prefixed
// topic, keyed by key.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeEventPublish, "encode event payload")
	}
	env := EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     topic,
		Source:        "chempipe",
		Timestamp:     time.Now().UTC(),
		SchemaVersion: schemaVersion,
		Payload:       body,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeEventPublish, "encode event envelope")
	}

	full := p.topicName(topic)
	err = p.w.WriteMessages(ctx, kafka.Message{
		Topic: full,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeEventPublish,
			fmt.Sprintf("publish to %s", full))
	}
	p.log.Debug("published event",
		logging.String("topic", full),
		logging.String("key", key),
		logging.String("event_id", env.EventID))
	return nil
}

func (p *Producer) topicName(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.w.Close()
}
