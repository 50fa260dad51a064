// Package outbox relays committed outbox entries to a message broker and keeps
// the dead letter table bounded.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/overtonx/eventstore/storage"
)

// Message is an outbox entry ready for publishing.
type Message struct {
	DeliveryID    string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       []byte
	Headers       storage.Headers
	AttemptCount  int
}

// Publisher delivers messages to a broker. Publish returns only after the
// broker has acknowledged the message or failed it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(context.Context, Message) error {
	return nil
}

func (p *NopPublisher) Close() error {
	return nil
}

// KafkaHeaderBuilder builds the Kafka headers of a message.
type KafkaHeaderBuilder func(msg Message) []kafka.Header

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaDefaultTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.defaultTopic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

// KafkaPublisher sends messages through the librdkafka based confluent producer.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	defaultTopic  string
	headerBuilder KafkaHeaderBuilder
}

// NewKafkaPublisher creates a new KafkaPublisher with functional options.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		defaultTopic:  "catalog.events",
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleEvents()

	return p, nil
}

// Publish produces msg and waits for its delivery report.
// The topic is msg.Topic, falling back to the default topic.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}

	p.logger.Debug("Publishing message to Kafka",
		zap.String("delivery_id", msg.DeliveryID),
		zap.String("event_type", msg.EventType),
		zap.String("topic", topic),
	)

	delivery := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.AggregateID),
		Value:          msg.Payload,
		Headers:        p.headerBuilder(msg),
		Timestamp:      time.Now(),
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the producer and closes the Kafka connection.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	p.producer.Flush(15 * 1000) // 15 sec
	p.producer.Close()
	return nil
}

// handleEvents logs producer level errors. Delivery reports go to the
// per-message channels passed to Produce.
func (p *KafkaPublisher) handleEvents() {
	for e := range p.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

func buildKafkaHeaders(msg Message) []kafka.Header {
	headers := []kafka.Header{
		{Key: "delivery_id", Value: []byte(msg.DeliveryID)},
		{Key: "event_type", Value: []byte(msg.EventType)},
		{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
		{Key: "aggregate_id", Value: []byte(msg.AggregateID)},
	}
	for k, v := range msg.Headers {
		if k == "delivery_id" {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
