package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageHandler func(ctx context.Context, key []byte, value []byte) error

type Consumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

func NewConsumer(bootstrapServers, groupID string, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": "true",
	})
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

// Subscribe retries while the topics do not exist yet, backing off by 1.5x.
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	maxRetries := 15
	retryDelay := time.Second * 2

	var err error
	for i := 0; i < maxRetries; i++ {
		err = c.consumer.SubscribeTopics(topics, nil)
		if err == nil {
			c.logger.Info("subscribed to topics",
				"event", "kafka_subscribed",
				"module", "shared/kafka",
				"layer", "transport",
				"topics", topics,
			)
			return nil
		}

		if i < maxRetries-1 {
			c.logger.Warn("subscribe failed, retrying",
				"event", "kafka_subscribe_retry",
				"module", "shared/kafka",
				"layer", "transport",
				"topics", topics,
				"attempt", i+1,
				"max_attempts", maxRetries,
				"retry_in", retryDelay.String(),
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay = time.Duration(float64(retryDelay) * 1.5)
		}
	}

	return fmt.Errorf("subscribe %v: %w", topics, err)
}

// Run polls until ctx is cancelled or every broker is down. Handler errors
// are logged and the offset still advances.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		ev := c.consumer.Poll(100)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if err := handler(ctx, e.Key, e.Value); err != nil {
				topic := ""
				if e.TopicPartition.Topic != nil {
					topic = *e.TopicPartition.Topic
				}
				c.logger.Error("message handler failed",
					"event", "kafka_message_failed",
					"module", "shared/kafka",
					"layer", "transport",
					"topic", topic,
					"key", string(e.Key),
					"error", err.Error(),
				)
			}
		case kafka.Error:
			if fatalConsumerError(e.Code()) {
				c.logger.Error("fatal kafka error",
					"event", "kafka_fatal_error",
					"module", "shared/kafka",
					"layer", "transport",
					"error", e.Error(),
				)
				return e
			}
			c.logger.Warn("kafka error",
				"event", "kafka_error",
				"module", "shared/kafka",
				"layer", "transport",
				"error", e.Error(),
			)
		}
	}
}

// Topic errors may resolve once the topic is created, so only a total
// broker outage stops the loop.
func fatalConsumerError(code kafka.ErrorCode) bool {
	return code == kafka.ErrAllBrokersDown
}

// UnmarshalMessage unmarshals a Kafka message value into the provided struct
func UnmarshalMessage(value []byte, v interface{}) error {
	return json.Unmarshal(value, v)
}

func (c *Consumer) Close() {
	c.consumer.Close()
}
