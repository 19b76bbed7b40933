package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultKafkaTopic = "vigil.vitals"

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records keyed by device id so each device's observations
// stay ordered within a partition.
type Kafka struct {
	w messageWriter
}

// NewKafka builds a hash-balanced writer for config.
func NewKafka(config KafkaConfig) *Kafka {
	if config.Topic == "" {
		config.Topic = DefaultKafkaTopic
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: kafka encode: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(rec.Device),
		Value:   value,
		Time:    rec.Received,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(rec.Kind())}},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("sink: kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.w.Close() }
