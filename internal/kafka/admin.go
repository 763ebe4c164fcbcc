package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// EnsureTopic creates cfg.Topic on the controller if it does not exist.
func EnsureTopic(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dialer, err := cfg.GetDialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(cfg.Topic)
	if err == nil && len(partitions) > 0 {
		logger.Debug("kafka topic exists", "topic", cfg.Topic, "partitions", len(partitions))
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     topicEntries(cfg),
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Topic, err)
	}

	logger.Info("kafka topic created",
		"topic", cfg.Topic,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)
	return nil
}

func topicEntries(cfg *Config) []kafka.ConfigEntry {
	entries := []kafka.ConfigEntry{{ConfigName: "cleanup.policy", ConfigValue: "delete"}}
	if cfg.RetentionMs > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(cfg.RetentionMs, 10),
		})
	}
	return entries
}
