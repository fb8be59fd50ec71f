package repository

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

const (
	voteColTopicID = iota
	voteColVoter
	voteColChoice
	voteColVotedAt
	voteColState
)

// VoteHeader votes 表的表头
var VoteHeader = table.Row{"topic_id", "voter", "choice", "voted_at", "state"}

// VoteStore 投票记录表，只追加，唯一的原地修改是把重复票标记为 superseded
type VoteStore struct {
	store  table.Store
	opts   Options
	logger logrus.FieldLogger
}

func NewVoteStore(store table.Store, opts Options) *VoteStore {
	opts = opts.withDefaults("votes")
	return &VoteStore{
		store:  store,
		opts:   opts,
		logger: opts.Logger.WithField("component", "vote_store"),
	}
}

// EnsureSchema 创建投票表
func (s *VoteStore) EnsureSchema(ctx context.Context) error {
	if err := s.store.EnsureTable(ctx, s.opts.Table, VoteHeader); err != nil {
		return model.StoreUnavailable("ensure "+s.opts.Table, err)
	}
	return nil
}

// Append 追加一张票。voted_at 为空时取当前时间。失败不重试。
func (s *VoteStore) Append(ctx context.Context, vote *model.Vote) error {
	if vote.VotedAt.IsZero() {
		vote.VotedAt = s.opts.Now().UTC()
	}
	vote.State = model.VoteCounted

	row := make(table.Row, len(VoteHeader))
	row[voteColTopicID] = vote.TopicID
	row[voteColVoter] = vote.Voter
	row[voteColChoice] = vote.Choice
	row[voteColVotedAt] = formatTime(vote.VotedAt)
	row[voteColState] = string(vote.State)

	if err := s.store.AppendRow(ctx, s.opts.Table, row); err != nil {
		return model.StoreUnavailable("append "+s.opts.Table, err)
	}
	return nil
}

// ListAll 返回所有投票记录（含 superseded），顺序即表中顺序
func (s *VoteStore) ListAll(ctx context.Context) ([]*model.Vote, error) {
	rows, err := readRows(ctx, s.store, s.opts)
	if err != nil {
		return nil, err
	}

	votes := make([]*model.Vote, 0, len(rows))
	for i, row := range rows {
		vote, ok := s.decodeVote(row, i)
		if !ok {
			continue
		}
		votes = append(votes, vote)
	}
	return votes, nil
}

// ListForTopic 返回某议题的全部投票记录
func (s *VoteStore) ListForTopic(ctx context.Context, topicID string) ([]*model.Vote, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	votes := all[:0]
	for _, v := range all {
		if v.TopicID == topicID {
			votes = append(votes, v)
		}
	}
	return votes, nil
}

// HasVoted 身份在该议题下是否已有有效票
func (s *VoteStore) HasVoted(ctx context.Context, topicID, voter string) (bool, error) {
	votes, err := s.ListForTopic(ctx, topicID)
	if err != nil {
		return false, err
	}
	for _, v := range votes {
		if v.Voter == voter && v.State == model.VoteCounted {
			return true, nil
		}
	}
	return false, nil
}

// MarkSuperseded 把一张重复票标记为不计入
func (s *VoteStore) MarkSuperseded(ctx context.Context, vote *model.Vote) error {
	if err := s.store.UpdateCell(ctx, s.opts.Table, vote.Ref, voteColState, string(model.VoteSuperseded)); err != nil {
		return model.StoreUnavailable("update "+s.opts.Table, err)
	}
	vote.State = model.VoteSuperseded
	return nil
}

func (s *VoteStore) decodeVote(row table.Row, ref int) (*model.Vote, bool) {
	topicID := strings.TrimSpace(row.Cell(voteColTopicID))
	voter := strings.TrimSpace(row.Cell(voteColVoter))
	if topicID == "" || voter == "" {
		s.logger.WithField("ref", ref).Warn("跳过不完整的投票行")
		return nil, false
	}

	vote := &model.Vote{
		TopicID: topicID,
		Voter:   voter,
		Choice:  row.Cell(voteColChoice),
		State:   model.VoteCounted,
		Ref:     ref,
	}
	if t, ok := parseTime(strings.TrimSpace(row.Cell(voteColVotedAt)), s.opts.Location); ok {
		vote.VotedAt = t
	}
	if model.VoteState(strings.TrimSpace(row.Cell(voteColState))) == model.VoteSuperseded {
		vote.State = model.VoteSuperseded
	}
	return vote, true
}
