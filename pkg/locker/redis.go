package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/platinummonkey/paycore/pkg/observability"
)

const defaultRedisLockTTL = 2 * time.Minute

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX. Locks expire after ttl so a crashed
// holder cannot block an account forever; a live holder extends its lock every
// ttl/3 until it releases it.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	refresh time.Duration
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "paycore:lock:"
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		refresh: ttl / 3,
	}
}

// TryLock implements Locker
func (r *RedisLocker) TryLock(ctx context.Context, name string) (Lock, error) {
	key := r.prefix + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	lock := &redisLock{
		client: r.client,
		key:    key,
		token:  token,
		logger: observability.FromContext(ctx).WithField("lock", name),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lock.keepAlive(r.ttl, r.refresh)
	return lock, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
	logger *observability.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// keepAlive pushes the expiry back to ttl every interval until the lock is
// released or found to belong to someone else.
func (l *redisLock) keepAlive(ttl, every time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.WithError(err).Warn("Failed to extend lock, will try again")
			continue
		}
		if n == 0 {
			l.logger.Error("Lock expired while held")
			return
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
