package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/segmentio/kafka-go"
)

// Event is one message to publish. Key picks the partition, so events for
// the same object or subscription stay ordered. Value is JSON-encoded.
type Event struct {
	Key     string
	Value   any
	Headers map[string]string
}

// Publisher is the write side used by components that emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerOption customises a Producer.
type ProducerOption func(*Producer)

// WithProducerMetrics counts published messages per topic and result.
func WithProducerMetrics(m *metrics.Metrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// Producer publishes JSON events to a single topic. Writes are synchronous
// and wait for all in-sync replicas.
type Producer struct {
	topic   string
	writer  writer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProducer creates a Producer for topic.
func NewProducer(cfg config.KafkaConfig, topic string, opts ...ProducerOption) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(topic, w, opts...)
}

func newProducer(topic string, w writer, opts ...ProducerOption) *Producer {
	p := &Producer{
		topic:  topic,
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish encodes event and writes it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}
	for k, v := range event.Headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.count("error")
		p.logger.Error("failed to publish message", "key", event.Key, "error", err)
		return fmt.Errorf("publishing to %s: %w", p.topic, err)
	}
	p.count("ok")
	p.logger.Debug("message published", "key", event.Key, "value_size", len(value))
	return nil
}

func (p *Producer) count(result string) {
	if p.metrics != nil {
		p.metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "publish", result).Inc()
	}
}

// Close flushes pending writes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
