package services

import (
	"context"
	"sync"
	"time"

	"github.com/emilioale04/steam-clone-sub003/internal/clock"
)

// OperationGuard marks a ledger operation as in flight for a bounded time.
// The Redis implementation lives in the database package.
type OperationGuard interface {
	// Acquire returns false when key is already marked and unexpired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Locker serialises the read-modify-write balance path per account.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// MemoryGuard is a process-local OperationGuard driven by an injected clock.
type MemoryGuard struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryGuard(c clock.Clock) *MemoryGuard {
	if c == nil {
		c = clock.NewSystem()
	}
	return &MemoryGuard{clock: c, entries: make(map[string]time.Time)}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if expires, ok := g.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.entries[key] = now.Add(ttl)
	g.sweepLocked(now)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}

// sweepLocked drops expired marks once the map grows.
func (g *MemoryGuard) sweepLocked(now time.Time) {
	if len(g.entries) < 1024 {
		return
	}
	for k, expires := range g.entries {
		if !now.Before(expires) {
			delete(g.entries, k)
		}
	}
}

// MemoryLocker is a process-local Locker. ttl is ignored.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
