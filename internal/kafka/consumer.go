package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. Return nil to commit the
// offset; an error leaves it uncommitted so it is redelivered after a
// rebalance or restart.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads ledger events from a topic as part of a consumer group.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	backoff time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	lastOffset    atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewConsumer creates a consumer group member for cfg.Topic.
func NewConsumer(cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group is required")
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.ConsumerGroup,
		Topic:             cfg.Topic,
		Dialer:            dialer,
		MaxBytes:          cfg.ConsumerMaxBytes,
		MaxWait:           cfg.ConsumerMaxWait,
		CommitInterval:    cfg.CommitInterval,
		StartOffset:       cfg.StartOffset,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)
	return newConsumer(reader, cfg, handler, logger)
}

func newConsumer(reader messageReader, cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:  reader,
		config:  cfg,
		logger:  logger,
		handler: handler,
		backoff: time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// StartAsync begins consuming in a goroutine. Use Stop to end it.
func (c *Consumer) StartAsync() error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topic", c.config.Topic, "group", c.config.ConsumerGroup)
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		km, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.Topic)

			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.backoff):
				continue
			}
		}

		msg := Message{
			Topic:     km.Topic,
			Partition: km.Partition,
			Offset:    km.Offset,
			Key:       km.Key,
			Value:     km.Value,
			Time:      km.Time,
		}
		if len(km.Headers) > 0 {
			msg.Headers = make(map[string]string, len(km.Headers))
			for _, h := range km.Headers {
				msg.Headers[h.Key] = string(h.Value)
			}
		}

		if err := c.process(msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, km); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offset", "error", err, "offset", km.Offset)
		}

		c.consumed.Add(1)
		c.bytes.Add(int64(len(km.Key) + len(km.Value)))
		c.lastOffset.Store(km.Offset)
	}
}

func (c *Consumer) process(msg Message) error {
	timeout := c.config.HandlerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return c.handler(ctx, msg)
}

func (c *Consumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
	c.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current consumer metrics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.consumed.Load(),
		Bytes:            c.bytes.Load(),
		Errors:           c.errors.Load(),
		LastOffset:       c.lastOffset.Load(),
	}
	if s, ok := c.lastError.Load().(string); ok {
		m.LastError = s
	}
	if t, ok := c.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// HealthCheck verifies the consumer can reach a broker.
func (c *Consumer) HealthCheck(ctx context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{LastCheck: time.Now(), Error: "consumer is closed"}
	}
	status := probe(ctx, c.config)
	status.Healthy = status.Connected && c.started.Load()
	return status
}

// Stop ends consumption and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer", "messages_consumed", c.consumed.Load())
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
