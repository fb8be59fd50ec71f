package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSerializesSameKey(t *testing.T) {
	g := NewGate()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Enter(context.Background(), "topic-1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, g.Len())
}

func TestGateDifferentKeysDoNotBlock(t *testing.T) {
	g := NewGate()
	release, err := g.Enter(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := g.Enter(ctx, "b")
	require.NoError(t, err)
	other()
	assert.Equal(t, 1, g.Len())
}

func TestGateHonoursContext(t *testing.T) {
	g := NewGate()
	release, err := g.Enter(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Enter(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Equal(t, 0, g.Len())
}

func TestGateWithDistributedLock(t *testing.T) {
	dist := NewLocalLock()
	g := NewGate(WithDistributedLock(dist, time.Second, 5*time.Millisecond))

	// 另一个实例持有锁
	ok, err := dist.AcquireLock(context.Background(), TopicLockPrefix+"a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = g.Enter(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, g.Len())

	require.NoError(t, dist.ReleaseLock(context.Background(), TopicLockPrefix+"a"))
	release, err := g.Enter(context.Background(), "a")
	require.NoError(t, err)

	ok, err = dist.AcquireLock(context.Background(), TopicLockPrefix+"a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	ok, err = dist.AcquireLock(context.Background(), TopicLockPrefix+"a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockExpiry(t *testing.T) {
	l := NewLocalLock()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.AcquireLock(context.Background(), "leader", time.Second)
	assert.True(t, ok)
	ok, _ = l.AcquireLock(context.Background(), "leader", time.Second)
	assert.False(t, ok)

	ok, _ = l.RefreshLock(context.Background(), "leader", time.Second)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = l.RefreshLock(context.Background(), "leader", time.Second)
	assert.False(t, ok)
	ok, _ = l.AcquireLock(context.Background(), "leader", time.Second)
	assert.True(t, ok)
}
