package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/paycore/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx).WithField("task", taskName)

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("Background task failed")
		}
	}()
}

// Batch processes a slice of items concurrently with at most workers in flight.
// Every item is processed; all errors are returned in no particular order.
func Batch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}

	errCh := make(chan error, len(items))

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		g.Go(func() error {
			defer func() {
				if perr := observability.MustRecover(recover()); perr != nil {
					errCh <- perr
				}
			}()
			if err := fn(ctx, item); err != nil {
				errCh <- err
			}
			return nil
		})
	}
	_ = g.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}
