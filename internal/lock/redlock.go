package lock

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/config"
)

const (
	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedLock 多个独立Redis节点上的Redlock
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	logger  logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]string // key是锁名，value是token值
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock(ctx context.Context, logger logrus.FieldLogger) (*RedLock, error) {
	var clients []*redis.Client

	for _, addr := range config.AppConfig.Redis.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     config.AppConfig.Redis.Password,
			DB:           config.AppConfig.Redis.DB,
			PoolSize:     config.AppConfig.Redis.PoolSize,
			MaxRetries:   config.AppConfig.Redis.MaxRetries,
			DialTimeout:  config.AppConfig.Redis.Timeout,
			ReadTimeout:  config.AppConfig.Redis.Timeout,
			WriteTimeout: config.AppConfig.Redis.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, errors.WrapIfWithDetails(err, "Redis锁节点连接测试失败", "addr", addr)
		}

		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, config.AppConfig.Redis.LockAddresses, logger), nil
}

func NewRedLockWithClients(clients []*redis.Client, addrs []string, logger logrus.FieldLogger) *RedLock {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		logger:  logger.WithField("component", "redlock"),
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// AcquireLock 在多数节点上 SETNX 成功且未超出有效期才算获得锁
func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	start := time.Now()
	success := 0

	for i, client := range r.clients {
		ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
		if err != nil {
			r.logger.WithFields(logrus.Fields{"node": r.addrs[i], "lock": lockName}).WithError(err).Warn("在节点获取锁失败")
			continue
		}
		if ok {
			success++
		}
	}

	if success >= r.quorum() && ttl-time.Since(start) > 0 {
		r.mu.Lock()
		r.locks[lockName] = token
		r.mu.Unlock()
		return true, nil
	}

	// 获取失败，释放所有节点上的锁
	r.unlockAll(context.WithoutCancel(ctx), lockName, token)
	if err := ctx.Err(); err != nil {
		return false, errors.WrapIf(err, "获取锁被取消")
	}
	return false, nil
}

// RefreshLock 刷新锁的过期时间
func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	r.mu.Unlock()
	if !exists {
		return false, nil
	}

	success := 0
	for i, client := range r.clients {
		result, err := client.Eval(ctx, refreshScript, []string{lockName}, token, int64(ttl/time.Millisecond)).Int64()
		if err != nil {
			r.logger.WithFields(logrus.Fields{"node": r.addrs[i], "lock": lockName}).WithError(err).Warn("在节点刷新锁失败")
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	return false, nil
}

// ReleaseLock 释放分布式锁
func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, exists := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !exists {
		return nil
	}

	r.unlockAll(ctx, lockName, token)
	return nil
}

func (r *RedLock) unlockAll(ctx context.Context, lockName string, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{lockName}, token).Err(); err != nil {
			r.logger.WithFields(logrus.Fields{"node": r.addrs[i], "lock": lockName}).WithError(err).Warn("在节点释放锁失败")
		}
	}
}

// ReleaseAllLocks 释放所有持有的锁
func (r *RedLock) ReleaseAllLocks() {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(context.Background(), name, token)
	}
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAllLocks()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.WithError(err).Warn("关闭Redis客户端失败")
		}
	}
	return nil
}
