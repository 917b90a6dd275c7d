package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// claimScript first returns expired leases to the due set, then moves up to
// ARGV[2] due ids into the in-flight set scored by their lease deadline.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// RedisQueue keeps notifications in a sorted set scored by fire time,
// with payloads in a hash.
type RedisQueue struct {
	client   *redis.Client
	due      string
	inflight string
	payloads string
	lease    time.Duration
}

// NewRedisQueue creates a queue under the given key prefix
func NewRedisQueue(client *redis.Client, prefix string, lease time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "paycore:retry:"
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisQueue{
		client:   client,
		due:      prefix + "due",
		inflight: prefix + "inflight",
		payloads: prefix + "payloads",
		lease:    lease,
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloads, n.ID.String(), data)
	pipe.ZAdd(ctx, q.due, &redis.Z{Score: score(n.FireAt), Member: n.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.due, q.inflight},
		score(now), limit, score(now.Add(q.lease)),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}

	out := make([]*Notification, 0, len(res))
	for _, id := range res {
		n, err := q.load(ctx, id)
		if err != nil {
			return out, err
		}
		if n == nil {
			// payload vanished; drop the orphan id
			q.client.ZRem(ctx, q.inflight, id)
			continue
		}
		n.Deliveries++
		if err := q.save(ctx, n); err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id uuid.UUID) error {
	pipe := q.client.TxPipeline()
	removed := pipe.ZRem(ctx, q.inflight, id.String())
	pipe.ZRem(ctx, q.due, id.String())
	deleted := pipe.HDel(ctx, q.payloads, id.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete notification: %w", err)
	}
	if removed.Val() == 0 && deleted.Val() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, id uuid.UUID, fireAt time.Time, cause error) error {
	n, err := q.load(ctx, id.String())
	if err != nil {
		return err
	}
	if n == nil {
		return ErrNotificationNotFound
	}
	n.FireAt = fireAt.UTC()
	if cause != nil {
		n.LastError = cause.Error()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloads, id.String(), data)
	pipe.ZRem(ctx, q.inflight, id.String())
	pipe.ZAdd(ctx, q.due, &redis.Z{Score: score(n.FireAt), Member: id.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release notification: %w", err)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Notification, error) {
	data, err := q.client.HGet(ctx, q.payloads, id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification %s: %w", id, err)
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode notification %s: %w", id, err)
	}
	return &n, nil
}

func (q *RedisQueue) save(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := q.client.HSet(ctx, q.payloads, n.ID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}
