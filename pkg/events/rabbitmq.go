package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of amqp.Channel used by RabbitBus
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitBus publishes events as persistent messages on a durable queue
type RabbitBus struct {
	conn  *amqp.Connection
	ch    AMQPChannel
	queue string
}

// NewRabbitBus dials url and declares queue
func NewRabbitBus(url, queue string) (*RabbitBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &RabbitBus{conn: conn, ch: ch, queue: queue}, nil
}

// NewRabbitBusWithChannel allows injecting a channel
func NewRabbitBusWithChannel(ch AMQPChannel, queue string) *RabbitBus {
	return &RabbitBus{ch: ch, queue: queue}
}

// Post implements Bus
func (b *RabbitBus) Post(ctx context.Context, evt Event) error {
	env, err := NewEnvelope(evt)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

func (b *RabbitBus) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
