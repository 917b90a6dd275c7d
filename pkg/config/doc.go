// Package config loads paycore configuration from PAYCORE_* environment
// variables and an optional YAML policy file.
//
// # Environment
//
// Storage and coordination:
//
//	PAYCORE_STORAGE_BACKEND="postgres"       # memory or postgres
//	PAYCORE_POSTGRES_URL="postgres://paycore:secret@db:5432/paycore?sslmode=disable"
//	PAYCORE_POSTGRES_REPLICA_URLS="postgres://replica1/paycore,postgres://replica2/paycore"
//	PAYCORE_REDIS_URL="redis://localhost:6379"
//	PAYCORE_LOCK_BACKEND="redis"             # memory, redis or postgres
//	PAYCORE_LOCK_MAX_TRIES="5"
//	PAYCORE_RETRY_QUEUE_BACKEND="postgres"   # memory, redis or postgres
//
// Processing:
//
//	PAYCORE_DISPATCHER_WORKERS="16"
//	PAYCORE_PLUGIN_TIMEOUT="30s"
//	PAYCORE_RETRY_DAYS="8,8"
//	PAYCORE_RETRY_POLL_SCHEDULE="@every 30s"
//	PAYCORE_DEFAULT_PLUGIN="simulated"       # simulated or stripe
//	PAYCORE_STRIPE_API_KEY="sk_test_..."
//	PAYCORE_EVENTS_BACKEND="kafka"           # memory, kafka or rabbitmq
//	PAYCORE_KAFKA_BROKERS="kafka1:9092,kafka2:9092"
//
// Observability:
//
//	PAYCORE_LOG_LEVEL="info"
//	PAYCORE_OPS_PORT="9090"
//	PAYCORE_OTEL_ENABLED="true"
//	PAYCORE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Policy file
//
// PAYCORE_POLICY_FILE points at a YAML document (see PolicyFile) that
// overrides retry schedules and simulated plugin behavior. The server watches
// it with WatchPolicyFile and swaps retry policies in place.
package config
