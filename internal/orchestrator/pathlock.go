package orchestrator

import (
	"context"
	"sync"
)

// PathLockManager serializes writers to the same workspace path while
// letting unrelated paths proceed. Waiters are queued in arrival order so
// bursty traffic cannot starve an early waiter.
type PathLockManager struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	held    bool
	waiters []chan struct{}
}

// NewPathLockManager creates an empty manager.
func NewPathLockManager() *PathLockManager {
	return &PathLockManager{locks: map[string]*pathLock{}}
}

// Acquire blocks until the path lock is held or ctx is done. On success the
// caller must Release the same path exactly once.
func (m *PathLockManager) Acquire(ctx context.Context, path string) error {
	m.mu.Lock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &pathLock{}
		m.locks[path] = lock
	}
	if !lock.held {
		lock.held = true
		m.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	lock.waiters = append(lock.waiters, ticket)
	m.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		m.abandon(path, ticket)
		return ctx.Err()
	}
}

// abandon removes a waiter whose context expired. If its ticket was granted
// in the race, the lock is passed on.
func (m *PathLockManager) abandon(path string, ticket chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[path]
	if !ok {
		return
	}
	for i, w := range lock.waiters {
		if w == ticket {
			lock.waiters = append(lock.waiters[:i], lock.waiters[i+1:]...)
			return
		}
	}
	// Not in the queue: the ticket was granted concurrently. Hand the lock
	// to the next waiter (or release it).
	m.releaseLocked(path, lock)
}

// Release unlocks the path, waking the oldest waiter.
func (m *PathLockManager) Release(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[path]
	if !ok || !lock.held {
		return
	}
	m.releaseLocked(path, lock)
}

func (m *PathLockManager) releaseLocked(path string, lock *pathLock) {
	if len(lock.waiters) > 0 {
		next := lock.waiters[0]
		lock.waiters = lock.waiters[1:]
		close(next)
		return
	}
	lock.held = false
	delete(m.locks, path)
}

// AcquireAll acquires locks for every path in sorted order, releasing any
// held locks on failure. Sorted acquisition prevents deadlock between tasks
// locking overlapping path sets.
func (m *PathLockManager) AcquireAll(ctx context.Context, paths []string) (release func(), err error) {
	sorted := append([]string(nil), paths...)
	sortStrings(sorted)
	sorted = dedupe(sorted)

	held := make([]string, 0, len(sorted))
	for _, path := range sorted {
		if err := m.Acquire(ctx, path); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				m.Release(held[i])
			}
			return nil, err
		}
		held = append(held, path)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.Release(held[i])
		}
	}, nil
}

func sortStrings(s []string) {
	for i := 0; i < len(s)-1; i++ {
		for j := i + 1; j < len(s); j++ {
			if s[j] < s[i] {
				s[i], s[j] = s[j], s[i]
			}
		}
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
