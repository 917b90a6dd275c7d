package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer used by KafkaBus
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes events to a Kafka topic keyed by EventKey
type KafkaBus struct {
	writer KafkaWriter
}

// NewKafkaBus creates a bus writing to topic on the given brokers
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaBus{writer: w}
}

// NewKafkaBusWithWriter allows injecting a writer
func NewKafkaBusWithWriter(w KafkaWriter) *KafkaBus {
	return &KafkaBus{writer: w}
}

// Post implements Bus
func (b *KafkaBus) Post(ctx context.Context, evt Event) error {
	env, err := NewEnvelope(evt)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(env.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(env.Type)},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
