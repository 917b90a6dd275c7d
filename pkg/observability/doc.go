// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and graceful shutdown for paycore.
//
// # Logging
//
// Loggers write JSON through slog and travel in the context:
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	ctx = observability.WithLogger(ctx, logger.WithField("payment_id", id))
//	observability.FromContext(ctx).Info("Payment attempt resolved")
//
// FromContext adds the correlation id and, inside a recording span, the
// trace and span ids.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.PaymentsTotal.WithLabelValues("simulated", "SUCCESS").Inc()
//
// # Ops endpoints
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("database", true, observability.DatabaseCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	handler := observability.NewOpsRouter(checker, registry, metrics)
//
// # Shutdown
//
// ShutdownManager stops components newest first under one deadline:
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.Register("storage", func(ctx context.Context) error { return db.Close() })
//	sm.Register("ops server", server.Shutdown)
//	err := sm.Wait(signalCtx)
package observability
