// Package locker provides named advisory locks used to serialize work per account.
//
// # Overview
//
// A Locker hands out non-blocking locks by name. WithLock wraps a Locker with bounded,
// backed-off retries and guarantees the lock is released on every exit path, including
// panics.
//
// # Usage
//
//	payment, err := locker.WithLock(ctx, l, locker.AccountNamespace, account.ExternalKey, 5,
//	    func(ctx context.Context) (*Payment, error) {
//	        return process(ctx)
//	    })
//	if errors.Is(err, locker.ErrLockFailed) {
//	    // another worker holds the account
//	}
//
// # Backends
//
//   - MemoryLocker: single process
//   - RedisLocker: SET NX with a TTL, token-checked release
//   - PostgresLocker: session advisory locks on a dedicated connection
package locker
