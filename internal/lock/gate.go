package lock

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/lvdashuaibi/teamvote/internal/metrics"
)

// TopicLockPrefix 议题分布式锁的键前缀
const TopicLockPrefix = "teamvote:topic:"

// Gate 按议题串行化写操作。进程内用权重为1的信号量排队，
// 配置了分布式锁时再在其上获取 teamvote:topic:<id>。
type Gate struct {
	mu      sync.Mutex
	entries map[string]*gateEntry

	dist          Lock
	lockTTL       time.Duration
	retryInterval time.Duration
	logger        logrus.FieldLogger
}

type gateEntry struct {
	sem  *semaphore.Weighted
	refs int
}

type GateOption func(*Gate)

// WithDistributedLock 在本地票闸之后再获取分布式锁
func WithDistributedLock(l Lock, ttl, retryInterval time.Duration) GateOption {
	return func(g *Gate) {
		g.dist = l
		if ttl > 0 {
			g.lockTTL = ttl
		}
		if retryInterval > 0 {
			g.retryInterval = retryInterval
		}
	}
}

func WithGateLogger(logger logrus.FieldLogger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		entries:       make(map[string]*gateEntry),
		lockTTL:       10 * time.Second,
		retryInterval: 50 * time.Millisecond,
		logger:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithField("component", "gate")
	return g
}

// Enter 阻塞直到获得 key 的写权限或 ctx 结束。
// 返回的 release 可重复调用，只生效一次。
func (g *Gate) Enter(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	entry := g.ref(key)

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		g.unref(key)
		return nil, errors.WrapIfWithDetails(err, "等待议题票闸超时", "key", key)
	}

	if g.dist != nil {
		if err := g.acquireDistributed(ctx, key); err != nil {
			entry.sem.Release(1)
			g.unref(key)
			return nil, err
		}
	}
	metrics.ObserveGateWait(time.Since(start))

	var once sync.Once
	release := func() {
		once.Do(func() {
			if g.dist != nil {
				if err := g.dist.ReleaseLock(context.Background(), TopicLockPrefix+key); err != nil {
					g.logger.WithField("key", key).WithError(err).Warn("释放分布式锁失败")
				}
			}
			entry.sem.Release(1)
			g.unref(key)
		})
	}
	return release, nil
}

func (g *Gate) acquireDistributed(ctx context.Context, key string) error {
	name := TopicLockPrefix + key
	ticker := time.NewTicker(g.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := g.dist.AcquireLock(ctx, name, g.lockTTL)
		if err != nil {
			g.logger.WithField("key", key).WithError(err).Warn("获取分布式锁出错，稍后重试")
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.WrapIfWithDetails(ctx.Err(), "等待分布式锁超时", "key", key)
		case <-ticker.C:
		}
	}
}

func (g *Gate) ref(key string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		entry = &gateEntry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (g *Gate) unref(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(g.entries, key)
	}
}

// Len 当前仍有持有者或等待者的 key 数量
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
