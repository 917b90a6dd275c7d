package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/paycore/pkg/observability"
)

var (
	// ErrTimeout is returned when the caller's wait elapsed before the task finished.
	// The task is still running.
	ErrTimeout = errors.New("dispatch timed out")
	// ErrSaturated is returned when the task could not be queued in time. The task never ran.
	ErrSaturated = errors.New("dispatcher saturated")
	// ErrShutdown is returned when the dispatcher no longer accepts work.
	ErrShutdown = errors.New("dispatcher shut down")
)

// Dispatcher runs tasks on a fixed set of workers fed by a bounded queue.
type Dispatcher struct {
	workers int
	workCh  chan func()
	doneCh  chan struct{}
	logger  *observability.Logger
	metrics *observability.Metrics

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithMetrics records dispatch outcomes in m
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher starts workers goroutines reading from a queue of queueSize tasks.
func NewDispatcher(workers, queueSize int, logger *observability.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	d := &Dispatcher{
		workers: workers,
		workCh:  make(chan func(), queueSize),
		doneCh:  make(chan struct{}),
		logger:  logger.WithField("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for task := range d.workCh {
					task()
				}
			}()
		}
		wg.Wait()
		close(d.doneCh)
	}()

	return d
}

type result[T any] struct {
	value T
	err   error
}

// Dispatch queues work and waits up to timeout for its result. On ErrTimeout the work
// keeps running on a context detached from ctx's cancellation; its result is discarded
// by the dispatcher. A panic in work is returned as an error.
func Dispatch[T any](ctx context.Context, d *Dispatcher, timeout time.Duration, work func(context.Context) (T, error)) (T, error) {
	var zero T

	resultCh := make(chan result[T], 1)
	workCtx := context.WithoutCancel(ctx)

	task := func() {
		d.trackInFlight(1)
		defer d.trackInFlight(-1)

		var res result[T]
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in dispatched task")
				res = result[T]{err: observability.MustRecover(r)}
			}
			resultCh <- res
		}()
		res.value, res.err = work(workCtx)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := d.submit(ctx, task, timer.C); err != nil {
		d.record(err)
		return zero, err
	}

	select {
	case res := <-resultCh:
		d.record(nil)
		return res.value, res.err
	case <-timer.C:
		d.record(ErrTimeout)
		return zero, ErrTimeout
	case <-ctx.Done():
		d.record(ErrTimeout)
		return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

func (d *Dispatcher) submit(ctx context.Context, task func(), expired <-chan time.Time) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrShutdown
	}

	select {
	case d.workCh <- task:
		return nil
	case <-expired:
		return ErrSaturated
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSaturated, ctx.Err())
	}
}

func (d *Dispatcher) trackInFlight(delta float64) {
	if d.metrics != nil {
		d.metrics.DispatchInFlight.Add(delta)
	}
}

func (d *Dispatcher) record(err error) {
	if d.metrics == nil {
		return
	}
	outcome := "completed"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrSaturated):
		outcome = "saturated"
	case errors.Is(err, ErrShutdown):
		outcome = "shutdown"
	}
	d.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
}

// Shutdown stops accepting work and waits up to timeout for queued and running tasks.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.workCh)
		d.mu.Unlock()

		select {
		case <-d.doneCh:
		case <-time.After(timeout):
			shutdownErr = fmt.Errorf("dispatcher shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}
