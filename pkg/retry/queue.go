package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLease is how long a claimed notification stays invisible to other pollers
const DefaultLease = 5 * time.Minute

// Queue stores notifications until they are due.
// Claim hands out due notifications under a lease; a notification that is neither
// completed nor released before its lease expires becomes claimable again.
type Queue interface {
	Enqueue(ctx context.Context, n *Notification) error
	Claim(ctx context.Context, now time.Time, limit int) ([]*Notification, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID, fireAt time.Time, cause error) error
}

type memoryEntry struct {
	n            Notification
	claimedUntil time.Time
}

// MemoryQueue is a non-durable Queue
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*memoryEntry
	lease   time.Duration
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[uuid.UUID]*memoryEntry),
		lease:   DefaultLease,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, n *Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[n.ID] = &memoryEntry{n: *n}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*memoryEntry
	for _, e := range q.entries {
		if e.n.FireAt.After(now) || e.claimedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].n.FireAt.Before(due[j].n.FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Notification, 0, len(due))
	for _, e := range due {
		e.claimedUntil = now.Add(q.lease)
		e.n.Deliveries++
		n := e.n
		out = append(out, &n)
	}
	return out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return ErrNotificationNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Release(ctx context.Context, id uuid.UUID, fireAt time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ErrNotificationNotFound
	}
	e.n.FireAt = fireAt.UTC()
	e.claimedUntil = time.Time{}
	if cause != nil {
		e.n.LastError = cause.Error()
	}
	return nil
}

// Pending returns a snapshot of queued notifications ordered by fire time
func (q *MemoryQueue) Pending() []*Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Notification, 0, len(q.entries))
	for _, e := range q.entries {
		n := e.n
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}
