// Package events publishes registry lifecycle events to external systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/mir00r/registry-gateway/pkg/logger"
	kafkago "github.com/segmentio/kafka-go"
)

// DefaultTopic receives registry events unless configured otherwise
const DefaultTopic = "registry-events"

// writerInterface allows mocking kafka.Writer
type writerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaConfig configures the publisher
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaPublisher implements domain.EventSink on a Kafka topic. Messages are
// keyed by service/instance so every change to one instance lands on the
// same partition, in order. Lease renewals are not published.
type KafkaPublisher struct {
	writer writerInterface
	topic  string
	logger *logger.Logger
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic
func NewKafkaPublisher(cfg KafkaConfig, log *logger.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are missing")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, topic, log), nil
}

func newKafkaPublisher(w writerInterface, topic string, log *logger.Logger) *KafkaPublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: log.EventsLogger("kafka"),
	}
}

// Name implements domain.EventSink
func (p *KafkaPublisher) Name() string {
	return "kafka"
}

// envelope is the message value written to the topic
type envelope struct {
	ID string `json:"id"`
	domain.RegistryEvent
}

// Publish implements domain.EventSink
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.RegistryEvent) error {
	if event.Type == domain.EventRenewed {
		return nil
	}

	payload, err := json.Marshal(envelope{ID: uuid.NewString(), RegistryEvent: event})
	if err != nil {
		return fmt.Errorf("encode registry event: %w", err)
	}

	key := event.Instance.ServiceName + "/" + event.Instance.InstanceID
	msg := kafkago.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", event.Type, key, err)
	}

	p.logger.WithFields(map[string]interface{}{
		"type":  event.Type,
		"key":   key,
		"topic": p.topic,
	}).Debug("Registry event published")
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
