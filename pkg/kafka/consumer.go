// Package kafka wraps segmentio/kafka-go for the pipeline's topics. The
// producer writes JSON events keyed for partition affinity; the consumer
// hands each message to a MessageHandler and commits only once it is done.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one message. A non-nil error means the message
// was not handled; the consumer retries it in place and never commits past it.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// reader is the subset of *kafka.Reader the consumer drives.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics counts handled messages per topic and result.
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithHandlerBackoff sets the delay schedule between attempts at a message
// whose handler failed.
func WithHandlerBackoff(initial, max time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoff.InitialDelay = initial
		c.backoff.MaxDelay = max
	}
}

// Consumer reads one topic as part of the configured consumer group.
type Consumer struct {
	topic   string
	reader  reader
	logger  *slog.Logger
	handler MessageHandler
	metrics *metrics.Metrics
	backoff resilience.RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a Consumer for topic. A new consumer group starts
// from the earliest retained offset so notifications emitted before the
// first deployment are not skipped.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(topic, r, handler, opts...)
}

func newConsumer(topic string, r reader, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		topic:   topic,
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
		backoff: resilience.RetryConfig{
			InitialDelay:   time.Second,
			MaxDelay:       time.Minute,
			Multiplier:     2,
			JitterFraction: 0.1,
		},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes until ctx is cancelled, then returns nil. Messages are
// handled one at a time in partition order.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			if c.sleep(ctx, c.backoff.InitialDelay) != nil {
				return nil
			}
			continue
		}
		if !c.handle(ctx, msg) {
			c.logger.Info("consumer stopping with message uncommitted",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// handle runs the handler until it succeeds. It reports false when ctx ends
// first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	c.logger.Debug("message received",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"value_size", len(msg.Value),
	)
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg.Key, msg.Value)
		if err == nil {
			c.count("handled")
			return true
		}
		if ctx.Err() != nil {
			c.count("interrupted")
			return false
		}
		c.count("failed")
		delay := resilience.ComputeDelay(attempt, c.backoff)
		c.logger.Error("failed to process message, retrying",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		if c.sleep(ctx, delay) != nil {
			return false
		}
	}
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.KafkaMessagesTotal.WithLabelValues(c.topic, "consume", result).Inc()
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
