// Package storage holds the persistence configuration shared by the payment
// stores and the Redis-backed components.
//
// Payment and retry persistence live in the sub-packages:
//
//   - storage/postgres: PaymentStore and RetryQueue on PostgreSQL, a
//     ConnectionManager that routes reads to replicas, and embedded schema
//     migrations.
//   - storage/memory: an in-process PaymentStore for tests and local runs.
//
// NewRedisClient builds the client used by the Redis lock and retry queue.
package storage
