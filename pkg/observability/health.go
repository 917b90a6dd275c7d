package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a check result that should degrade rather than fail readiness
var ErrDegraded = errors.New("degraded")

// CheckFunc checks one dependency
type CheckFunc func(ctx context.Context) error

type dependencyCheck struct {
	name     string
	critical bool
	check    CheckFunc
}

// HealthChecker aggregates dependency checks for the readiness endpoint.
// A failing critical check makes the service unhealthy; a failing optional
// check, or any check returning ErrDegraded, only degrades it.
type HealthChecker struct {
	version string

	mu     sync.RWMutex
	checks []dependencyCheck
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewHealthChecker creates a HealthChecker with no checks
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// AddCheck registers a dependency
func (h *HealthChecker) AddCheck(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, dependencyCheck{name: name, critical: critical, check: check})
}

// DatabaseCheck pings db and reports an exhausted pool as degraded
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return ErrDegraded
		}
		return nil
	}
}

// RedisCheck pings a Redis client
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Check runs every registered check concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]dependencyCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c dependencyCheck) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}
	for i, c := range checks {
		dep := results[i]
		status.Dependencies[c.name] = dep
		switch {
		case dep.Status == StatusUnhealthy && c.critical:
			status.Status = StatusUnhealthy
		case dep.Status != StatusHealthy && status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}
	return status
}

func runCheck(ctx context.Context, c dependencyCheck) (dep DependencyStatus) {
	start := time.Now()
	dep = DependencyStatus{Status: StatusHealthy, Timestamp: start}
	defer func() {
		if perr := MustRecover(recover()); perr != nil {
			dep.Status = StatusUnhealthy
			dep.Message = perr.Error()
		}
		dep.Latency = time.Since(start)
	}()

	if err := c.check(ctx); err != nil {
		dep.Message = err.Error()
		if errors.Is(err, ErrDegraded) {
			dep.Status = StatusDegraded
		} else {
			dep.Status = StatusUnhealthy
		}
	}
	return dep
}

// Names lists the registered checks, sorted
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Liveness answers 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down, 200 otherwise
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
