package observability

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewOpsRouter serves the operational endpoints: /health, /health/live,
// /health/ready and /metrics. Requests are traced with otelhttp and, when
// metrics is non-nil, counted.
func NewOpsRouter(checker *HealthChecker, registry *prometheus.Registry, metrics *Metrics) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", MetricsHandler(registry)).Methods(http.MethodGet)

	if metrics != nil {
		r.Use(HTTPMetricsMiddleware(metrics))
	}

	return otelhttp.NewHandler(r, "paycore.ops")
}
