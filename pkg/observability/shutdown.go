package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ShutdownFunc releases one component
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops registered components in reverse registration order
// under one shared deadline. Register components as they start so that intake
// (ops server, retry poller) stops before the dispatcher drains and storage closes.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
	done  bool
}

// NewShutdownManager creates a ShutdownManager; a zero timeout means 30s
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if logger == nil {
		logger = NewLogger(InfoLevel, nil)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger.WithField("component", "shutdown"),
		timeout: timeout,
	}
}

// Register adds a component. Nil functions are ignored.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// Wait blocks until ctx is done (typically a signal.NotifyContext) and then
// runs Shutdown with a fresh deadline.
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	<-ctx.Done()
	sm.logger.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.Shutdown(shutdownCtx)
}

// Shutdown runs every hook once, newest first. A failing hook does not stop the
// rest; all failures are joined into the returned error. Later calls are no-ops.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.done {
		sm.mu.Unlock()
		return nil
	}
	sm.done = true
	hooks := make([]shutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", h.name, err))
			continue
		}

		start := time.Now()
		if err := h.fn(ctx); err != nil {
			sm.logger.WithField("hook", h.name).WithError(err).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		sm.logger.WithFields(map[string]interface{}{
			"hook":     h.name,
			"duration": time.Since(start).String(),
		}).Info("Stopped")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
