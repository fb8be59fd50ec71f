package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/lock"
	"github.com/lvdashuaibi/teamvote/internal/metrics"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

const (
	LeaderLockName = "teamvote:reconciler:leader"
)

// VoteSource 对账需要的投票表操作
type VoteSource interface {
	ListAll(ctx context.Context) ([]*model.Vote, error)
	ListForTopic(ctx context.Context, topicID string) ([]*model.Vote, error)
	MarkSuperseded(ctx context.Context, vote *model.Vote) error
}

// Reconciler 找出同一身份在同一议题下的重复票，保留最早的一张，其余标记为 superseded
type Reconciler struct {
	votes    VoteSource
	leader   lock.Lock
	interval time.Duration
	timeout  time.Duration
	logger   logrus.FieldLogger

	// onResolved 某议题有票被标记后调用，用于让计票缓存失效
	onResolved func(ctx context.Context, topicID string)

	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	isLeader atomic.Bool
}

type Option func(*Reconciler)

// WithLeaderLock 多实例部署时只有持有 leader 锁的实例跑定时对账
func WithLeaderLock(l lock.Lock) Option {
	return func(r *Reconciler) { r.leader = l }
}

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithPassTimeout 单次对账的总超时
func WithPassTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithResolvedHook(fn func(ctx context.Context, topicID string)) Option {
	return func(r *Reconciler) { r.onResolved = fn }
}

func New(votes VoteSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		votes:    votes,
		interval: time.Minute,
		timeout:  30 * time.Second,
		logger:   logrus.StandardLogger(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "reconciler")
	return r
}

// SetResolvedHook 在构造之后设置回调，服务层与对账器互相引用时使用
func (r *Reconciler) SetResolvedHook(fn func(ctx context.Context, topicID string)) {
	r.onResolved = fn
}

// ReconcileAll 扫描整张投票表
func (r *Reconciler) ReconcileAll(ctx context.Context) (*model.ReconcileReport, error) {
	votes, err := r.votes.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, votes)
}

// ReconcileTopic 只处理一个议题
func (r *Reconciler) ReconcileTopic(ctx context.Context, topicID string) (*model.ReconcileReport, error) {
	votes, err := r.votes.ListForTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, votes)
}

func (r *Reconciler) resolve(ctx context.Context, votes []*model.Vote) (*model.ReconcileReport, error) {
	report := &model.ReconcileReport{Scanned: len(votes)}
	_, dups := model.Collapse(votes)

	touched := make(map[string]struct{})
	for _, d := range dups {
		for _, v := range d.Superseded {
			if err := r.votes.MarkSuperseded(ctx, v); err != nil {
				r.notify(ctx, touched)
				return report, errors.WithDetails(err, "topic_id", d.TopicID, "voter", d.Voter)
			}
		}
		touched[d.TopicID] = struct{}{}

		dupErr := model.DuplicateError(d)
		report.Duplicates = append(report.Duplicates, d)
		report.Errors = append(report.Errors, dupErr)
		metrics.AddDuplicatesResolved(len(d.Superseded))

		r.logger.WithFields(logrus.Fields{
			"topic_id":   d.TopicID,
			"voter":      d.Voter,
			"kept":       d.Kept.Choice,
			"superseded": len(d.Superseded),
		}).Warn(dupErr.Error())
	}

	r.notify(ctx, touched)
	return report, nil
}

func (r *Reconciler) notify(ctx context.Context, topics map[string]struct{}) {
	if r.onResolved == nil {
		return
	}
	for id := range topics {
		r.onResolved(ctx, id)
	}
}

// Start 启动定时对账
func (r *Reconciler) Start() {
	r.ticker = time.NewTicker(r.interval)

	go func() {
		for {
			select {
			case <-r.ticker.C:
				if r.holdLeadership() {
					r.runPass()
				}
			case <-r.stopChan:
				r.ticker.Stop()
				r.logger.Info("对账任务已停止")
				return
			}
		}
	}()

	r.logger.WithField("interval", r.interval).Info("对账任务已启动")
}

// holdLeadership 已是 leader 时续约，否则尝试抢锁
func (r *Reconciler) holdLeadership() bool {
	if r.leader == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ttl := 2 * r.interval

	if r.isLeader.Load() {
		ok, err := r.leader.RefreshLock(ctx, LeaderLockName, ttl)
		if err != nil {
			r.logger.WithError(err).Warn("刷新对账leader锁失败")
		}
		if ok {
			return true
		}
		r.isLeader.Store(false)
		r.logger.Info("失去对账leader身份")
	}

	ok, err := r.leader.AcquireLock(ctx, LeaderLockName, ttl)
	if err != nil {
		r.logger.WithError(err).Warn("获取对账leader锁失败")
		return false
	}
	if ok {
		r.isLeader.Store(true)
		r.logger.Info("成为对账leader")
	}
	return ok
}

func (r *Reconciler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	report, err := r.ReconcileAll(ctx)
	if err != nil {
		r.logger.WithError(err).Error("对账失败")
		return
	}
	if len(report.Duplicates) > 0 {
		r.logger.WithFields(logrus.Fields{
			"scanned":    report.Scanned,
			"duplicates": len(report.Duplicates),
		}).Info("对账完成")
	}
}

// Stop 停止定时对账并释放 leader 锁
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.leader != nil && r.isLeader.Load() {
			if err := r.leader.ReleaseLock(context.Background(), LeaderLockName); err != nil {
				r.logger.WithError(err).Warn("释放对账leader锁失败")
			}
		}
	})
}
