package kafka

import (
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Producer wraps the Kafka producer
type Producer struct {
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(bootstrapServers string, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, err
	}

	// Delivery reports arrive asynchronously.
	go func() {
		for e := range p.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					topic := ""
					if ev.TopicPartition.Topic != nil {
						topic = *ev.TopicPartition.Topic
					}
					logger.Error("message delivery failed",
						"event", "kafka_delivery_failed",
						"module", "shared/kafka",
						"layer", "transport",
						"topic", topic,
						"key", string(ev.Key),
						"error", ev.TopicPartition.Error.Error(),
					)
				}
			}
		}
	}()

	return &Producer{producer: p, logger: logger}, nil
}

// SendMessage JSON-encodes value and produces it to topic under key.
func (p *Producer) SendMessage(topic string, key string, value interface{}) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          jsonValue,
	}, nil)
}

// Close flushes outstanding messages for up to five seconds, then closes.
func (p *Producer) Close() {
	if remaining := p.producer.Flush(5000); remaining > 0 {
		p.logger.Warn("producer closed with undelivered messages",
			"event", "kafka_flush_incomplete",
			"module", "shared/kafka",
			"layer", "transport",
			"remaining", remaining,
		)
	}
	p.producer.Close()
}
