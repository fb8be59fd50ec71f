package service

import (
	"context"
	"strings"
	"time"

	"emperror.dev/errors"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/lock"
	"github.com/lvdashuaibi/teamvote/internal/metrics"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

// TopicRepository 议题存储
type TopicRepository interface {
	Create(ctx context.Context, topic *model.Topic) (string, error)
	GetAll(ctx context.Context) ([]*model.Topic, error)
	Get(ctx context.Context, id string) (*model.Topic, error)
	Close(ctx context.Context, id, requester string) error
}

// VoteRepository 投票存储
type VoteRepository interface {
	Append(ctx context.Context, vote *model.Vote) error
	ListForTopic(ctx context.Context, topicID string) ([]*model.Vote, error)
	HasVoted(ctx context.Context, topicID, voter string) (bool, error)
}

// TallyCache 计票结果缓存。DeleteTally 推进议题的失效代数，
// SetTally 只在代数仍等于计算前读到的值时写入。
type TallyCache interface {
	GetTally(ctx context.Context, topicID string) (*model.Tally, bool, error)
	Generation(ctx context.Context, topicID string) (int64, error)
	SetTally(ctx context.Context, tally *model.Tally, gen int64) (bool, error)
	DeleteTally(ctx context.Context, topicID string) error
}

// EventPublisher 投票事件发布
type EventPublisher interface {
	SendVoteEvent(ctx context.Context, event *model.VoteEvent) error
}

// Summarizer 根据计票结果生成一段文字摘要
type Summarizer interface {
	Summarize(ctx context.Context, topic *model.Topic, tally *model.Tally) (string, error)
}

// TopicReconciler 单个议题的重复票对账
type TopicReconciler interface {
	ReconcileTopic(ctx context.Context, topicID string) (*model.ReconcileReport, error)
}

// VotingService 投票业务。所有写操作都在议题票闸内执行。
type VotingService struct {
	topics TopicRepository
	votes  VoteRepository
	gate   *lock.Gate

	cache      TallyCache
	publisher  EventPublisher
	summarizer Summarizer
	reconciler TopicReconciler

	// voted 本实例已知投过票的 (议题, 身份)，只用于提前拒绝，不作为判断依据
	voted *gocache.Cache

	now            func() time.Time
	opTimeout      time.Duration
	writeTimeout   time.Duration
	summaryTimeout time.Duration
	logger         logrus.FieldLogger
}

type Option func(*VotingService)

func WithTallyCache(c TallyCache) Option {
	return func(s *VotingService) { s.cache = c }
}

func WithPublisher(p EventPublisher) Option {
	return func(s *VotingService) { s.publisher = p }
}

func WithSummarizer(sum Summarizer, timeout time.Duration) Option {
	return func(s *VotingService) {
		s.summarizer = sum
		if timeout > 0 {
			s.summaryTimeout = timeout
		}
	}
}

func WithReconciler(r TopicReconciler) Option {
	return func(s *VotingService) { s.reconciler = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *VotingService) { s.now = now }
}

// WithOperationTimeout 单次业务操作（含等待票闸）的超时
func WithOperationTimeout(d time.Duration) Option {
	return func(s *VotingService) {
		if d > 0 {
			s.opTimeout = d
			s.writeTimeout = d
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *VotingService) { s.logger = logger }
}

func NewVotingService(topics TopicRepository, votes VoteRepository, gate *lock.Gate, opts ...Option) *VotingService {
	s := &VotingService{
		topics:         topics,
		votes:          votes,
		gate:           gate,
		voted:          gocache.New(30*time.Minute, time.Hour),
		now:            time.Now,
		opTimeout:      5 * time.Second,
		writeTimeout:   5 * time.Second,
		summaryTimeout: 10 * time.Second,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "voting_service")
	return s
}

func (s *VotingService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateTopic 以 identity 为创建者新建议题
func (s *VotingService) CreateTopic(ctx context.Context, identity string, input model.TopicInput) (*model.Topic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	topic := &model.Topic{
		Title:    input.Title,
		Author:   input.Author,
		Owner:    identity,
		Options:  input.Options,
		FreeText: input.FreeText,
		Deadline: input.Deadline,
	}
	if _, err := s.topics.Create(ctx, topic); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"topic_id": topic.ID, "owner": identity}).Info("创建议题")
	return topic.Clone(), nil
}

func (s *VotingService) GetTopic(ctx context.Context, id string) (*model.Topic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.topics.Get(ctx, id)
}

// ListTopics 返回全部议题；order 为空时保持表中顺序
func (s *VotingService) ListTopics(ctx context.Context, order model.TopicOrder) ([]*model.Topic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	topics, err := s.topics.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if order != "" {
		model.SortTopics(topics, order)
	}
	return topics, nil
}

// ListOpenTopics 返回 now 时刻仍接受投票的议题
func (s *VotingService) ListOpenTopics(ctx context.Context, now time.Time, order model.TopicOrder) ([]*model.Topic, error) {
	all, err := s.ListTopics(ctx, order)
	if err != nil {
		return nil, err
	}

	open := make([]*model.Topic, 0, len(all))
	for _, t := range all {
		if t.OpenAt(now) {
			open = append(open, t)
		}
	}
	return open, nil
}

func votedKey(topicID, identity string) string {
	return topicID + "\x00" + identity
}

// CastVote 在议题票闸内依次检查：议题存在、未关闭、未过截止时间、选项有效、未投过票，然后追加一行
func (s *VotingService) CastVote(ctx context.Context, topicID, identity, choice string) (*model.Vote, error) {
	vote, err := s.castVote(ctx, topicID, identity, strings.TrimSpace(choice))
	metrics.IncVote(voteResult(err))
	return vote, err
}

func (s *VotingService) castVote(ctx context.Context, topicID, identity, choice string) (*model.Vote, error) {
	if identity == "" {
		return nil, model.Validation("缺少投票身份")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	release, err := s.gate.Enter(ctx, topicID)
	if err != nil {
		return nil, model.StoreUnavailable("enter gate", err)
	}
	defer release()

	topic, err := s.topics.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if topic.Status == model.TopicClosed {
		return nil, errors.WithDetails(model.ErrTopicClosed, "topic_id", topicID)
	}
	if topic.Deadline != nil && !s.now().Before(*topic.Deadline) {
		return nil, errors.WithDetails(model.ErrDeadlinePassed, "topic_id", topicID, "deadline", *topic.Deadline)
	}
	if err := checkChoice(topic, choice); err != nil {
		return nil, err
	}

	if err := s.checkVoted(ctx, topicID, identity); err != nil {
		return nil, err
	}

	vote := &model.Vote{
		TopicID: topicID,
		Voter:   identity,
		Choice:  choice,
		VotedAt: s.now().UTC(),
	}

	// 请求被放弃时追加仍然完整执行
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer writeCancel()
	if err := s.votes.Append(writeCtx, vote); err != nil {
		return nil, err
	}

	s.voted.SetDefault(votedKey(topicID, identity), struct{}{})
	s.invalidateTally(writeCtx, topicID)
	s.publish(writeCtx, vote)

	s.logger.WithFields(logrus.Fields{"topic_id": topicID, "voter": identity}).Info("投票成功")
	return vote, nil
}

// checkVoted 本实例记录过的直接拒绝，否则以存储扫描为准
func (s *VotingService) checkVoted(ctx context.Context, topicID, identity string) error {
	key := votedKey(topicID, identity)
	if _, found := s.voted.Get(key); !found {
		voted, err := s.votes.HasVoted(ctx, topicID, identity)
		if err != nil {
			return err
		}
		if !voted {
			return nil
		}
		s.voted.SetDefault(key, struct{}{})
	}
	return errors.WithDetails(model.ErrAlreadyVoted, "topic_id", topicID, "voter", identity)
}

func checkChoice(topic *model.Topic, choice string) error {
	if topic.FreeText {
		if choice == "" {
			return errors.WithDetails(model.ErrInvalidChoice, "topic_id", topic.ID, "reason", "回答不能为空")
		}
		return nil
	}
	if !topic.HasOption(choice) {
		return errors.WithDetails(model.ErrInvalidChoice, "topic_id", topic.ID, "choice", choice)
	}
	return nil
}

func voteResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, model.ErrTopicClosed):
		return "closed"
	case errors.Is(err, model.ErrDeadlinePassed):
		return "deadline_passed"
	case errors.Is(err, model.ErrInvalidChoice), errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *VotingService) publish(ctx context.Context, vote *model.Vote) {
	if s.publisher == nil {
		return
	}
	event := &model.VoteEvent{
		TopicID: vote.TopicID,
		Voter:   vote.Voter,
		Choice:  vote.Choice,
		VotedAt: vote.VotedAt,
	}
	if err := s.publisher.SendVoteEvent(ctx, event); err != nil {
		s.logger.WithField("topic_id", vote.TopicID).WithError(err).Warn("发送投票事件失败")
	}
}

// CloseTopic 由创建者关闭议题，与同一议题的投票排队执行
func (s *VotingService) CloseTopic(ctx context.Context, topicID, requester string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	release, err := s.gate.Enter(ctx, topicID)
	if err != nil {
		return model.StoreUnavailable("enter gate", err)
	}
	defer release()

	if err := s.topics.Close(ctx, topicID, requester); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"topic_id": topicID, "requester": requester}).Info("关闭议题")
	return nil
}

// Tally 计票，优先读缓存
func (s *VotingService) Tally(ctx context.Context, topicID string) (*model.Tally, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	topic, err := s.topics.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return s.tally(ctx, topic)
}

func (s *VotingService) tally(ctx context.Context, topic *model.Topic) (*model.Tally, error) {
	logger := s.logger.WithField("topic_id", topic.ID)

	// 代数必须在读投票之前取得；读不到代数就不回填缓存
	var gen int64
	fill := false
	if s.cache != nil {
		cached, found, err := s.cache.GetTally(ctx, topic.ID)
		if err != nil {
			logger.WithError(err).Warn("读取计票缓存失败")
		}
		if found {
			return cached, nil
		}

		gen, err = s.cache.Generation(ctx, topic.ID)
		if err != nil {
			logger.WithError(err).Warn("读取计票缓存代数失败")
		} else {
			fill = true
		}
	}

	votes, err := s.votes.ListForTopic(ctx, topic.ID)
	if err != nil {
		return nil, err
	}
	tally := computeTally(topic, votes)

	if fill {
		stored, err := s.cache.SetTally(ctx, tally, gen)
		if err != nil {
			logger.WithError(err).Warn("写入计票缓存失败")
		} else if !stored {
			logger.Debug("计票期间缓存已失效，放弃回填")
		}
	}
	return tally, nil
}

// Summarize 计票并附上摘要。摘要失败不影响计票结果。
func (s *VotingService) Summarize(ctx context.Context, topicID string) (*model.Tally, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	topic, err := s.topics.Get(ctx, topicID)
	if err != nil {
		return nil, err
	}
	tally, err := s.tally(ctx, topic)
	if err != nil {
		return nil, err
	}

	result := *tally
	result.Summary = SummaryUnavailable
	if s.summarizer == nil {
		return &result, nil
	}

	sumCtx, sumCancel := context.WithTimeout(context.WithoutCancel(ctx), s.summaryTimeout)
	defer sumCancel()
	text, err := s.summarizer.Summarize(sumCtx, topic, tally)
	if err != nil || strings.TrimSpace(text) == "" {
		s.logger.WithField("topic_id", topicID).WithError(err).Warn("生成摘要失败")
		return &result, nil
	}
	result.Summary = text
	return &result, nil
}

// InvalidateTally 使某议题的计票缓存失效
func (s *VotingService) InvalidateTally(ctx context.Context, topicID string) {
	s.invalidateTally(ctx, topicID)
}

func (s *VotingService) invalidateTally(ctx context.Context, topicID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteTally(ctx, topicID); err != nil {
		s.logger.WithField("topic_id", topicID).WithError(err).Warn("删除计票缓存失败")
	}
}

// ProcessVoteEvent 处理投票事件（消费者使用）：刷新缓存并对该议题做一次对账
func (s *VotingService) ProcessVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	s.invalidateTally(ctx, event.TopicID)
	if s.reconciler == nil {
		return nil
	}

	report, err := s.reconciler.ReconcileTopic(ctx, event.TopicID)
	if err != nil {
		return errors.WrapIfWithDetails(err, "处理投票事件对账失败", "topic_id", event.TopicID)
	}
	if len(report.Duplicates) > 0 {
		s.invalidateTally(ctx, event.TopicID)
	}
	return nil
}
