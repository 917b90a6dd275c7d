// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, bounded
// waiting, and worker draining on shutdown.
//
// # Key Functions
//
// Dispatcher: bounded worker pool whose callers wait at most a fixed time
//
//	d := async.NewDispatcher(16, 64, logger)
//	defer d.Shutdown(30 * time.Second)
//
//	info, err := async.Dispatch(ctx, d, 30*time.Second, func(ctx context.Context) (*Info, error) {
//		return plugin.Charge(ctx, req)
//	})
//	if errors.Is(err, async.ErrTimeout) {
//		// the charge is still running; its result lands in storage
//	}
//
// A timeout only ends the caller's wait. The task keeps running to completion on a
// context that ignores the caller's cancellation.
//
// SafeGo: fire-and-forget goroutine with panic recovery and a deadline
//
//	async.SafeGo(ctx, 5*time.Second, "event delivery", func(ctx context.Context) error {
//		return handler(ctx, event)
//	})
//
// Batch: bounded concurrent processing of a slice
//
//	errs := async.Batch(ctx, items, 4, func(ctx context.Context, item Item) error {
//		return deliver(ctx, item)
//	})
//
// # Related Packages
//
//   - pkg/payment: dispatches locked payment attempts
//   - pkg/retry: delivers claimed retry notifications in batches
//   - pkg/events: asynchronous in-memory subscribers
package async
