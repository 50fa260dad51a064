package outbox

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaGoPublisherOption func(*KafkaGoPublisher)

func WithKafkaGoDefaultTopic(topic string) KafkaGoPublisherOption {
	return func(p *KafkaGoPublisher) {
		p.defaultTopic = topic
	}
}

func WithKafkaGoBatchTimeout(d time.Duration) KafkaGoPublisherOption {
	return func(p *KafkaGoPublisher) {
		if d > 0 {
			p.writer.BatchTimeout = d
		}
	}
}

// KafkaGoPublisher sends messages with the pure Go segmentio writer. It needs
// no cgo and suits environments where librdkafka is unavailable.
type KafkaGoPublisher struct {
	logger       *zap.Logger
	writer       *kafkago.Writer
	defaultTopic string
}

func NewKafkaGoPublisher(logger *zap.Logger, brokers []string, opts ...KafkaGoPublisherOption) (*KafkaGoPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaGoPublisher{
		logger: logger,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: false,
		},
		defaultTopic: "catalog.events",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish writes msg synchronously. Messages with the same aggregate id land
// in the same partition.
func (p *KafkaGoPublisher) Publish(ctx context.Context, msg Message) error {
	m := p.message(msg)
	p.logger.Debug("Publishing message to Kafka",
		zap.String("delivery_id", msg.DeliveryID),
		zap.String("event_type", msg.EventType),
		zap.String("topic", m.Topic),
	)
	if err := p.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (p *KafkaGoPublisher) Close() error {
	p.logger.Info("Closing kafka writer")
	return p.writer.Close()
}

func (p *KafkaGoPublisher) message(msg Message) kafkago.Message {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	headers := make([]kafkago.Header, 0, len(msg.Headers)+4)
	for _, h := range buildKafkaHeaders(msg) {
		headers = append(headers, kafkago.Header{Key: h.Key, Value: h.Value})
	}
	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(msg.AggregateID),
		Value:   msg.Payload,
		Headers: headers,
	}
}
