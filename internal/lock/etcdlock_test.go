package lock

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestTTLSecondsHasFloorOfOne(t *testing.T) {
	assert.Equal(t, int64(1), ttlSeconds(0))
	assert.Equal(t, int64(1), ttlSeconds(500*time.Millisecond))
	assert.Equal(t, int64(15), ttlSeconds(15*time.Second))
}

// 需要真实的 etcd，TEAMVOTE_TEST_ETCD 为逗号分隔的端点
func newTestETCDLock(t *testing.T) *EtcdLock {
	endpoints := os.Getenv("TEAMVOTE_TEST_ETCD")
	if endpoints == "" {
		t.Skip("未设置 TEAMVOTE_TEST_ETCD")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	l := NewETCDLockWithClient(cli, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestETCDLockIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	owner := newTestETCDLock(t)
	other := newTestETCDLock(t)
	name := "topic-" + time.Now().Format("150405.000000")

	ok, err := owner.AcquireLock(ctx, name, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = other.AcquireLock(ctx, name, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// 续约流保持租约，超过 TTL 后仍然持有
	time.Sleep(3 * time.Second)
	held, err := owner.RefreshLock(ctx, name, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, owner.ReleaseLock(ctx, name))
	ok, err = other.AcquireLock(ctx, name, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestETCDLockRefreshUnknownLock(t *testing.T) {
	l := newTestETCDLock(t)
	held, err := l.RefreshLock(context.Background(), "never-acquired", time.Second)
	require.NoError(t, err)
	assert.False(t, held)
}
