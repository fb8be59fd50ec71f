package lock

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lvdashuaibi/teamvote/config"
)

const etcdKeyPrefix = "/teamvote/locks/"

// EtcdLock 每把锁绑定一个租约，键只在 CreateRevision 为 0 时写入。
// 持有期间由 KeepAlive 流续约，流断开即视为失去锁。
type EtcdLock struct {
	client *clientv3.Client
	lease  clientv3.Lease
	logger logrus.FieldLogger

	mu   sync.Mutex
	held map[string]*leaseHold
}

type leaseHold struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

// NewETCDLock 按 config.AppConfig.ETCD 连接并检查第一个端点
func NewETCDLock(ctx context.Context, logger logrus.FieldLogger) (*EtcdLock, error) {
	cfg := config.AppConfig.ETCD
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "创建etcd客户端失败")
	}

	statusCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Status(statusCtx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, errors.WrapIfWithDetails(err, "etcd连接测试失败", "endpoint", cfg.Endpoints[0])
	}

	return NewETCDLockWithClient(cli, logger), nil
}

func NewETCDLockWithClient(cli *clientv3.Client, logger logrus.FieldLogger) *EtcdLock {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EtcdLock{
		client: cli,
		lease:  clientv3.NewLease(cli),
		logger: logger.WithField("component", "etcdlock"),
		held:   make(map[string]*leaseHold),
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	if sec := int64(ttl / time.Second); sec > 1 {
		return sec
	}
	return 1
}

func (el *EtcdLock) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.held[name]; ok {
		return false, nil
	}

	grant, err := el.lease.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, errors.WrapIfWithDetails(err, "创建租约失败", "lock", name)
	}

	key := etcdKeyPrefix + name
	resp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		el.revoke(ctx, grant.ID)
		if err != nil {
			return false, errors.WrapIfWithDetails(err, "加锁事务失败", "lock", name)
		}
		return false, nil
	}

	keepCtx, stop := context.WithCancel(context.Background())
	responses, err := el.lease.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		stop()
		el.revoke(ctx, grant.ID)
		return false, errors.WrapIfWithDetails(err, "启动租约续约失败", "lock", name)
	}

	hold := &leaseHold{id: grant.ID, stop: stop}
	el.held[name] = hold
	go el.drain(name, hold, responses)
	return true, nil
}

// drain 消费续约应答；流结束且不是主动释放时，说明租约已丢失
func (el *EtcdLock) drain(name string, hold *leaseHold, responses <-chan *clientv3.LeaseKeepAliveResponse) {
	for range responses {
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.held[name] == hold {
		delete(el.held, name)
		el.logger.WithField("lock", name).Warn("租约续约中断，锁已失效")
	}
}

func (el *EtcdLock) RefreshLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	hold, ok := el.held[name]
	el.mu.Unlock()
	if !ok {
		return false, nil
	}

	if _, err := el.lease.KeepAliveOnce(ctx, hold.id); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			el.forget(name, hold)
			return false, nil
		}
		return false, errors.WrapIfWithDetails(err, "续约失败", "lock", name)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, name string) error {
	el.mu.Lock()
	hold, ok := el.held[name]
	if ok {
		delete(el.held, name)
	}
	el.mu.Unlock()
	if !ok {
		return nil
	}

	hold.stop()
	// 撤销租约会同时删除绑定的键
	if _, err := el.client.Revoke(ctx, hold.id); err != nil {
		return errors.WrapIfWithDetails(err, "释放租约失败", "lock", name)
	}
	return nil
}

func (el *EtcdLock) ReleaseAllLocks() {
	el.mu.Lock()
	names := make([]string, 0, len(el.held))
	for name := range el.held {
		names = append(names, name)
	}
	el.mu.Unlock()

	for _, name := range names {
		if err := el.ReleaseLock(context.Background(), name); err != nil {
			el.logger.WithField("lock", name).WithError(err).Warn("释放锁失败")
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAllLocks()
	el.lease.Close()
	return el.client.Close()
}

func (el *EtcdLock) forget(name string, hold *leaseHold) {
	hold.stop()
	el.mu.Lock()
	if el.held[name] == hold {
		delete(el.held, name)
	}
	el.mu.Unlock()
}

func (el *EtcdLock) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := el.lease.Revoke(context.WithoutCancel(ctx), id); err != nil {
		el.logger.WithError(err).Debug("撤销租约失败")
	}
}
