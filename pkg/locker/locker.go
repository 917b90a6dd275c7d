package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/platinummonkey/paycore/pkg/observability"
)

// AccountNamespace is the lock namespace for per-account payment processing.
const AccountNamespace = "ACCOUNT"

var (
	// ErrLockHeld is returned by TryLock when another holder owns the lock.
	ErrLockHeld = errors.New("lock is held")
	// ErrLockFailed is returned by WithLock when the lock could not be acquired.
	ErrLockFailed = errors.New("failed to acquire lock")
	// ErrLockNotHeld is returned by Release when the lock was lost or already released.
	ErrLockNotHeld = errors.New("lock not held")
)

// Lock is an acquired lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks without blocking.
type Locker interface {
	// TryLock returns ErrLockHeld if the lock is owned by someone else.
	TryLock(ctx context.Context, name string) (Lock, error)
}

// Name builds the lock name for a key within a namespace.
func Name(namespace, key string) string {
	return namespace + ":" + key
}

type options struct {
	newBackOff func() backoff.BackOff
}

// Option configures WithLock.
type Option func(*options)

// WithBackOff overrides the delay schedule between acquisition attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = fn
	}
}

// DefaultBackOff is the delay schedule used between acquisition attempts.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

// WithLock acquires the lock for namespace:key, trying at most maxTries times, runs fn,
// and releases the lock. The lock is released even if fn panics; the panic is then
// re-raised.
func WithLock[T any](ctx context.Context, l Locker, namespace, key string, maxTries int,
	fn func(context.Context) (T, error), opts ...Option) (T, error) {

	var zero T
	if maxTries < 1 {
		maxTries = 1
	}

	o := options{newBackOff: DefaultBackOff}
	for _, opt := range opts {
		opt(&o)
	}

	name := Name(namespace, key)
	var lock Lock
	acquire := func() error {
		lk, err := l.TryLock(ctx, name)
		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				return err
			}
			return backoff.Permanent(err)
		}
		lock = lk
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(maxTries-1)), ctx)
	if err := backoff.Retry(acquire, b); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return zero, fmt.Errorf("%w: %s after %d tries", ErrLockFailed, name, maxTries)
		}
		return zero, fmt.Errorf("%w: %s: %w", ErrLockFailed, name, err)
	}

	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			observability.FromContext(ctx).
				WithField("lock", name).
				WithError(err).
				Warn("Failed to release lock")
		}
	}()

	return fn(ctx)
}
