package locker

import (
	"context"
	"sync"
)

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewMemoryLocker creates a new in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64)}
}

// TryLock implements Locker
func (m *MemoryLocker) TryLock(ctx context.Context, name string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[name]; ok {
		return nil, ErrLockHeld
	}
	m.seq++
	m.held[name] = m.seq
	return &memoryLock{locker: m, name: name, token: m.seq}, nil
}

// IsHeld reports whether name is currently locked.
func (m *MemoryLocker) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

type memoryLock struct {
	locker *MemoryLocker
	name   string
	token  uint64
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	if l.locker.held[l.name] != l.token {
		return ErrLockNotHeld
	}
	delete(l.locker.held, l.name)
	return nil
}
