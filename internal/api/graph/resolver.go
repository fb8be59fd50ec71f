package graph

import (
	"context"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/auth"
	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/service"
)

// Resolver GraphQL解析器
type Resolver struct {
	votingService *service.VotingService
	loc           *time.Location
	now           func() time.Time
	logger        logrus.FieldLogger
	limiter       *keyedLimiter
}

// NewResolver 创建新的解析器
func NewResolver(votingService *service.VotingService, loc *time.Location, logger logrus.FieldLogger, opts ...Option) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	r := &Resolver{
		votingService: votingService,
		loc:           loc,
		now:           time.Now,
		logger:        logger.WithField("component", "graphql"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) fail(ctx context.Context, op string, err error) *resolverError {
	rerr := newResolverError(err)
	entry := r.logger.WithFields(logrus.Fields{"op": op, "code": rerr.code})
	if identity, ok := auth.IdentityFrom(ctx); ok {
		entry = entry.WithField("identity", identity)
	}
	if rerr.code == CodeInternal || rerr.code == CodeStoreUnavailable {
		entry.WithError(err).Error("请求失败")
	} else {
		entry.WithError(err).Debug("请求被拒绝")
	}
	return rerr
}

// Me 当前登录身份
func (r *Resolver) Me(ctx context.Context) *string {
	identity, ok := auth.IdentityFrom(ctx)
	if !ok {
		return nil
	}
	return &identity
}

// Topics 议题列表
func (r *Resolver) Topics(ctx context.Context, args struct {
	Order    *string
	OpenOnly *bool
}) ([]*TopicResolver, error) {
	order := model.OrderDeadlineAsc
	if args.Order != nil {
		order = model.TopicOrder(strings.ToLower(*args.Order))
	}

	var topics []*model.Topic
	var err error
	if args.OpenOnly != nil && *args.OpenOnly {
		topics, err = r.votingService.ListOpenTopics(ctx, r.now(), order)
	} else {
		topics, err = r.votingService.ListTopics(ctx, order)
	}
	if err != nil {
		return nil, r.fail(ctx, "topics", err)
	}

	resolvers := make([]*TopicResolver, len(topics))
	for i, t := range topics {
		resolvers[i] = r.topicResolver(t)
	}
	return resolvers, nil
}

// Topic 单个议题
func (r *Resolver) Topic(ctx context.Context, args struct{ ID graphql.ID }) (*TopicResolver, error) {
	topic, err := r.votingService.GetTopic(ctx, string(args.ID))
	if err != nil {
		return nil, r.fail(ctx, "topic", err)
	}
	return r.topicResolver(topic), nil
}

// Tally 计票结果
func (r *Resolver) Tally(ctx context.Context, args struct {
	TopicID   graphql.ID
	Summarize *bool
}) (*TallyResolver, error) {
	var tally *model.Tally
	var err error
	if args.Summarize != nil && *args.Summarize {
		tally, err = r.votingService.Summarize(ctx, string(args.TopicID))
	} else {
		tally, err = r.votingService.Tally(ctx, string(args.TopicID))
	}
	if err != nil {
		return nil, r.fail(ctx, "tally", err)
	}
	return &TallyResolver{tally: tally}, nil
}

// TopicInput 创建议题输入
type TopicInput struct {
	Title    string
	Author   *string
	Options  *[]string
	FreeText *bool
	Deadline *string
}

// CreateTopic 创建议题
func (r *Resolver) CreateTopic(ctx context.Context, args struct{ Input TopicInput }) (*TopicResolver, error) {
	identity, err := r.mutationIdentity(ctx, "createTopic")
	if err != nil {
		return nil, err
	}

	input := model.TopicInput{Title: args.Input.Title}
	if args.Input.Author != nil {
		input.Author = *args.Input.Author
	}
	if args.Input.Options != nil {
		input.Options = *args.Input.Options
	}
	if args.Input.FreeText != nil {
		input.FreeText = *args.Input.FreeText
	}
	if args.Input.Deadline != nil && strings.TrimSpace(*args.Input.Deadline) != "" {
		deadline, err := parseDeadline(*args.Input.Deadline, r.loc)
		if err != nil {
			return nil, r.fail(ctx, "createTopic", err)
		}
		input.Deadline = &deadline
	}

	topic, err := r.votingService.CreateTopic(ctx, identity, input)
	if err != nil {
		return nil, r.fail(ctx, "createTopic", err)
	}
	return r.topicResolver(topic), nil
}

// CastVote 投票
func (r *Resolver) CastVote(ctx context.Context, args struct {
	TopicID graphql.ID
	Choice  string
}) (*VoteResolver, error) {
	identity, err := r.mutationIdentity(ctx, "castVote")
	if err != nil {
		return nil, err
	}

	vote, err := r.votingService.CastVote(ctx, string(args.TopicID), identity, args.Choice)
	if err != nil {
		return nil, r.fail(ctx, "castVote", err)
	}
	return &VoteResolver{vote: vote}, nil
}

// CloseTopic 关闭议题
func (r *Resolver) CloseTopic(ctx context.Context, args struct{ TopicID graphql.ID }) (*TopicResolver, error) {
	identity, err := r.mutationIdentity(ctx, "closeTopic")
	if err != nil {
		return nil, err
	}

	if err := r.votingService.CloseTopic(ctx, string(args.TopicID), identity); err != nil {
		return nil, r.fail(ctx, "closeTopic", err)
	}
	topic, err := r.votingService.GetTopic(ctx, string(args.TopicID))
	if err != nil {
		return nil, r.fail(ctx, "closeTopic", err)
	}
	return r.topicResolver(topic), nil
}

var deadlineLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// parseDeadline 支持 RFC3339 和不带时区的本地时间
func parseDeadline(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, model.Validation("无法解析截止时间: " + value)
}

func (r *Resolver) topicResolver(t *model.Topic) *TopicResolver {
	return &TopicResolver{topic: t, open: t.OpenAt(r.now())}
}

// TopicResolver 议题解析器
type TopicResolver struct {
	topic *model.Topic
	open  bool
}

func (r *TopicResolver) ID() graphql.ID {
	return graphql.ID(r.topic.ID)
}

func (r *TopicResolver) Title() string {
	return r.topic.Title
}

func (r *TopicResolver) Author() string {
	return r.topic.Author
}

func (r *TopicResolver) Owner() string {
	return r.topic.Owner
}

func (r *TopicResolver) Options() []string {
	if r.topic.Options == nil {
		return []string{}
	}
	return r.topic.Options
}

func (r *TopicResolver) FreeText() bool {
	return r.topic.FreeText
}

func (r *TopicResolver) Deadline() *string {
	if r.topic.Deadline == nil {
		return nil
	}
	s := r.topic.Deadline.Format(time.RFC3339)
	return &s
}

func (r *TopicResolver) Status() string {
	return string(r.topic.Status)
}

func (r *TopicResolver) CreatedAt() string {
	return r.topic.CreatedAt.Format(time.RFC3339)
}

func (r *TopicResolver) Open() bool {
	return r.open
}

// TallyResolver 计票解析器
type TallyResolver struct {
	tally *model.Tally
}

func (r *TallyResolver) TopicID() graphql.ID {
	return graphql.ID(r.tally.TopicID)
}

func (r *TallyResolver) FreeText() bool {
	return r.tally.FreeText
}

func (r *TallyResolver) Counts() []*OptionCountResolver {
	out := make([]*OptionCountResolver, len(r.tally.Counts))
	for i := range r.tally.Counts {
		out[i] = &OptionCountResolver{count: r.tally.Counts[i]}
	}
	return out
}

func (r *TallyResolver) Answers() []string {
	if r.tally.Answers == nil {
		return []string{}
	}
	return r.tally.Answers
}

func (r *TallyResolver) Total() int32 {
	return int32(r.tally.Total)
}

func (r *TallyResolver) Summary() *string {
	if r.tally.Summary == "" {
		return nil
	}
	return &r.tally.Summary
}

// OptionCountResolver 选项票数解析器
type OptionCountResolver struct {
	count model.OptionCount
}

func (r *OptionCountResolver) Option() string {
	return r.count.Option
}

func (r *OptionCountResolver) Count() int32 {
	return int32(r.count.Count)
}

// VoteResolver 投票解析器
type VoteResolver struct {
	vote *model.Vote
}

func (r *VoteResolver) TopicID() graphql.ID {
	return graphql.ID(r.vote.TopicID)
}

func (r *VoteResolver) Voter() string {
	return r.vote.Voter
}

func (r *VoteResolver) Choice() string {
	return r.vote.Choice
}

func (r *VoteResolver) VotedAt() string {
	return r.vote.VotedAt.Format(time.RFC3339)
}
