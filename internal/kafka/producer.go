package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes ledger events to a topic.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewProducer creates a producer for cfg.Topic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	// kafka-go retries internally per MaxAttempts; produce adds an outer
	// retry loop with backoff for broker failovers.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.CompressionType,
	)
	return newProducer(writer, cfg, logger), nil
}

func newProducer(w messageWriter, cfg *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: cfg, logger: logger}
}

// Keyed is a message key and JSON-encodable value.
type Keyed struct {
	Key     string
	Value   any
	Headers map[string]string
}

// ProduceJSON marshals each value and publishes the batch. Messages with the
// same key land on the same partition and keep their relative order.
func (p *Producer) ProduceJSON(ctx context.Context, items ...Keyed) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	msgs := make([]kafka.Message, 0, len(items))
	now := time.Now()
	for _, it := range items {
		data, err := json.Marshal(it.Value)
		if err != nil {
			return fmt.Errorf("kafka: failed to marshal message: %w", err)
		}
		m := kafka.Message{Key: []byte(it.Key), Value: data, Time: now}
		for k, v := range it.Headers {
			m.Headers = append(m.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		msgs = append(msgs, m)
	}
	return p.produce(ctx, msgs...)
}

// Produce publishes raw key/value messages.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	return p.produce(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
}

func (p *Producer) produce(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var lastErr error
	backoff := p.config.ProducerRetryBackoff
	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.produced.Add(int64(len(msgs)))
			for _, m := range msgs {
				p.bytes.Add(int64(len(m.Key) + len(m.Value)))
			}
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastErrorTime.Store(time.Now())
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// GetMetrics returns current producer metrics.
func (p *Producer) GetMetrics() Metrics {
	m := Metrics{
		MessagesProduced: p.produced.Load(),
		Bytes:            p.bytes.Load(),
		Errors:           p.errors.Load(),
		Retries:          p.retries.Load(),
	}
	if s, ok := p.lastError.Load().(string); ok {
		m.LastError = s
	}
	if t, ok := p.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// HealthCheck verifies the producer can reach a broker.
func (p *Producer) HealthCheck(ctx context.Context) HealthStatus {
	if p.closed.Load() {
		return HealthStatus{LastCheck: time.Now(), Error: "producer is closed"}
	}
	return probe(ctx, p.config)
}

// Close flushes buffered messages and closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	for _, target := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
