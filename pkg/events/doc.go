// Package events delivers payment notifications to the rest of the platform.
//
// Events are posted after the payment state they describe has been persisted. Delivery
// is fire-and-forget from the poster's point of view: a failed post is logged and never
// rolls back the payment.
//
// Buses:
//
//   - MemoryBus: in-process subscribers, synchronous or asynchronous
//   - KafkaBus: one JSON message per event keyed by account, via segmentio/kafka-go
//   - RabbitBus: persistent JSON messages on a durable queue, via amqp091-go
//
// Every bus publishes the same Envelope so consumers can switch transports.
package events
