package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilioale04/steam-clone-sub003/internal/clock"
)

func TestMemoryGuardExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewMemoryGuard(clk)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Acquire(ctx, "a", 5*time.Second)
	assert.False(t, ok)
	ok, _ = g.Acquire(ctx, "b", 5*time.Second)
	assert.True(t, ok, "keys are independent")

	clk.Advance(4 * time.Second)
	ok, _ = g.Acquire(ctx, "a", 5*time.Second)
	assert.False(t, ok)

	clk.Advance(time.Second)
	ok, _ = g.Acquire(ctx, "a", 5*time.Second)
	assert.True(t, ok)

	require.NoError(t, g.Release(ctx, "a"))
	ok, _ = g.Acquire(ctx, "a", 5*time.Second)
	assert.True(t, ok)
}

func TestMemoryLockerExclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "wallet:1", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "wallet:1", time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "wallet:1", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "wallet:2", time.Second)
	require.NoError(t, err)
	other()
}
