package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock 单实例部署时使用的进程内锁，带过期时间
type LocalLock struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{now: time.Now, locks: make(map[string]time.Time)}
}

func (l *LocalLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.locks[lockName]; ok && expires.After(now) {
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expires, ok := l.locks[lockName]
	if !ok || !expires.After(now) {
		delete(l.locks, lockName)
		return false, nil
	}
	l.locks[lockName] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) ReleaseLock(ctx context.Context, lockName string) error {
	l.mu.Lock()
	delete(l.locks, lockName)
	l.mu.Unlock()
	return nil
}

func (l *LocalLock) ReleaseAllLocks() {
	l.mu.Lock()
	l.locks = make(map[string]time.Time)
	l.mu.Unlock()
}

func (l *LocalLock) Close() error {
	l.ReleaseAllLocks()
	return nil
}
