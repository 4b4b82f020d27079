// Package sessionlock provides per-session-ID mutual exclusion for the
// session manager's create/delete path, eliminating the race between a
// createSession and a deleteSession racing on the same ID. Generalized
// from the teacher's internal/storage.FileLock (a per-path flock) to a
// per-session-ID in-process lock with a bounded wait queue and an
// acquire timeout.
package sessionlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAcquireTimeout is returned when a lock could not be acquired
	// within the configured timeout.
	ErrAcquireTimeout = errors.New("session lock acquire timed out")
	// ErrTooManyWaiters is returned immediately, without waiting at all,
	// when a session's wait queue is already at capacity. The newest
	// waiter is the one rejected — existing waiters keep their place.
	ErrTooManyWaiters = errors.New("too many waiters for session lock")
)

// Config bounds the lock manager's behavior.
type Config struct {
	AcquireTimeout  time.Duration
	MaxWaiters      int
	HeldLockWarning time.Duration // a lock held longer than this bumps LongHeldCount
}

// Defaults returns the spec's default session lock bounds.
func Defaults() Config {
	return Config{
		AcquireTimeout:  5 * time.Second,
		MaxWaiters:      16,
		HeldLockWarning: 30 * time.Second,
	}
}

type entry struct {
	sem     chan struct{} // capacity 1; a token in the channel means unlocked
	waiters int32
}

func newEntry() *entry {
	e := &entry{sem: make(chan struct{}, 1)}
	e.sem <- struct{}{}
	return e
}

// Manager hands out per-sessionId locks.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	longHeldCount int64
}

// New creates a lock manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = Defaults().AcquireTimeout
	}
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = Defaults().MaxWaiters
	}
	if cfg.HeldLockWarning <= 0 {
		cfg.HeldLockWarning = Defaults().HeldLockWarning
	}
	return &Manager{cfg: cfg, entries: make(map[string]*entry)}
}

func (m *Manager) entryFor(sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		e = newEntry()
		m.entries[sessionID] = e
	}
	return e
}

// Unlock releases a held session lock and stops its held-lock timer.
type Unlock func()

// Acquire blocks until the named session's lock is available, ctx is
// cancelled, the configured acquire timeout elapses, or the wait queue is
// already full. On success it returns an Unlock that the caller must
// call exactly once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (Unlock, error) {
	e := m.entryFor(sessionID)

	if int(atomic.LoadInt32(&e.waiters)) >= m.cfg.MaxWaiters {
		return nil, ErrTooManyWaiters
	}
	atomic.AddInt32(&e.waiters, 1)
	defer atomic.AddInt32(&e.waiters, -1)

	deadline, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	select {
	case <-e.sem:
	case <-deadline.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrAcquireTimeout
	}

	heldSince := time.Now()
	warnTimer := time.AfterFunc(m.cfg.HeldLockWarning, func() {
		atomic.AddInt64(&m.longHeldCount, 1)
	})

	var unlockOnce sync.Once
	unlock := func() {
		unlockOnce.Do(func() {
			warnTimer.Stop()
			_ = heldSince // retained for potential future duration metrics
			e.sem <- struct{}{}
		})
	}
	return unlock, nil
}

// LongHeldCount reports how many times a lock exceeded HeldLockWarning
// while held, across the manager's lifetime. Diagnostics only.
func (m *Manager) LongHeldCount() int64 {
	return atomic.LoadInt64(&m.longHeldCount)
}

// Forget drops a session's lock entry once its session is deleted, so the
// entries map doesn't grow unbounded across the server's lifetime. Only
// safe to call when the caller holds no outstanding Unlock for this
// session and no concurrent Acquire is in flight — deleteSession already
// runs under the session's own lock, so this must be called after Unlock,
// not before.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}
