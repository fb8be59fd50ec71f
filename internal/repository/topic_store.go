package repository

import (
	"context"
	"encoding/json"
	"strings"

	"emperror.dev/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

const (
	topicColID = iota
	topicColTitle
	topicColAuthor
	topicColOwner
	topicColOptions
	topicColDeadline
	topicColStatus
	topicColCreatedAt
)

// TopicHeader topics 表的表头
var TopicHeader = table.Row{"id", "title", "author", "owner", "options", "deadline", "status", "created_at"}

// TopicStore 议题表的读写，负责记录形状校验
type TopicStore struct {
	store  table.Store
	opts   Options
	group  singleflight.Group
	logger logrus.FieldLogger
}

type topicRow struct {
	topic *model.Topic
	ref   int
}

func NewTopicStore(store table.Store, opts Options) *TopicStore {
	opts = opts.withDefaults("topics")
	return &TopicStore{
		store:  store,
		opts:   opts,
		logger: opts.Logger.WithField("component", "topic_store"),
	}
}

// EnsureSchema 创建议题表
func (s *TopicStore) EnsureSchema(ctx context.Context) error {
	if err := s.store.EnsureTable(ctx, s.opts.Table, TopicHeader); err != nil {
		return model.StoreUnavailable("ensure "+s.opts.Table, err)
	}
	return nil
}

// Create 校验并追加一个议题，返回新议题ID
func (s *TopicStore) Create(ctx context.Context, topic *model.Topic) (string, error) {
	if err := s.normalize(topic); err != nil {
		return "", err
	}

	topic.ID = uuid.NewString()
	topic.Status = model.TopicActive
	topic.CreatedAt = s.opts.Now().UTC()

	row, err := encodeTopic(topic)
	if err != nil {
		return "", err
	}
	if err := s.store.AppendRow(ctx, s.opts.Table, row); err != nil {
		return "", model.StoreUnavailable("append "+s.opts.Table, err)
	}

	s.group.Forget("all")
	return topic.ID, nil
}

func (s *TopicStore) normalize(topic *model.Topic) error {
	topic.Title = strings.TrimSpace(topic.Title)
	topic.Author = strings.TrimSpace(topic.Author)
	topic.Owner = strings.TrimSpace(topic.Owner)

	if topic.Title == "" {
		return model.Validation("标题不能为空")
	}
	if topic.Owner == "" {
		return model.Validation("缺少创建者身份")
	}
	if topic.Author == "" {
		topic.Author = topic.Owner
	}

	if topic.FreeText {
		topic.Options = nil
	} else {
		topic.Options = distinctOptions(topic.Options)
		if len(topic.Options) < 2 {
			return model.Validation("选项至少需要2个不同的值")
		}
	}

	if topic.Deadline != nil && topic.Deadline.Before(s.opts.Now()) {
		return model.Validation("截止时间不能早于当前时间")
	}
	return nil
}

// distinctOptions 去掉空白选项和重复项，保持原有顺序
func distinctOptions(options []string) []string {
	seen := make(map[string]struct{}, len(options))
	out := make([]string, 0, len(options))
	for _, opt := range options {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		if _, ok := seen[opt]; ok {
			continue
		}
		seen[opt] = struct{}{}
		out = append(out, opt)
	}
	return out
}

// GetAll 返回当前快照，顺序即表中顺序
func (s *TopicStore) GetAll(ctx context.Context) ([]*model.Topic, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	topics := make([]*model.Topic, len(rows))
	for i, r := range rows {
		topics[i] = r.topic.Clone()
	}
	return topics, nil
}

// Get 按ID查找议题
func (s *TopicStore) Get(ctx context.Context, id string) (*model.Topic, error) {
	row, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.topic.Clone(), nil
}

// Close 由创建者关闭议题。读-改-写之间没有行锁，调用方负责排队。
func (s *TopicStore) Close(ctx context.Context, id, requester string) error {
	row, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if row.topic.Owner != requester {
		return errors.WithDetails(model.ErrForbidden, "topic_id", id, "requester", requester)
	}
	if row.topic.Status == model.TopicClosed {
		return errors.WithDetails(model.ErrInvalidState, "topic_id", id, "status", row.topic.Status)
	}

	if err := s.store.UpdateCell(ctx, s.opts.Table, row.ref, topicColStatus, string(model.TopicClosed)); err != nil {
		return model.StoreUnavailable("update "+s.opts.Table, err)
	}
	s.group.Forget("all")
	return nil
}

func (s *TopicStore) find(ctx context.Context, id string) (topicRow, error) {
	rows, err := s.readAll(ctx)
	if err != nil {
		return topicRow{}, err
	}
	for _, r := range rows {
		if r.topic.ID == id {
			return r, nil
		}
	}
	return topicRow{}, errors.WithDetails(model.ErrNotFound, "topic_id", id)
}

// readAll 并发的整表读取合并为一次
func (s *TopicStore) readAll(ctx context.Context) ([]topicRow, error) {
	v, err, _ := s.group.Do("all", func() (interface{}, error) {
		rows, err := readRows(ctx, s.store, s.opts)
		if err != nil {
			return nil, err
		}
		return s.decodeRows(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]topicRow), nil
}

func (s *TopicStore) decodeRows(rows []table.Row) []topicRow {
	out := make([]topicRow, 0, len(rows))
	for i, row := range rows {
		topic, ok := s.decodeTopic(row)
		if !ok {
			s.logger.WithField("ref", i).Warn("跳过缺少ID的议题行")
			continue
		}
		out = append(out, topicRow{topic: topic, ref: i})
	}
	return out
}

func (s *TopicStore) decodeTopic(row table.Row) (*model.Topic, bool) {
	id := strings.TrimSpace(row.Cell(topicColID))
	if id == "" {
		return nil, false
	}

	topic := &model.Topic{
		ID:     id,
		Title:  row.Cell(topicColTitle),
		Author: row.Cell(topicColAuthor),
		Owner:  row.Cell(topicColOwner),
		Status: model.TopicActive,
	}
	if topic.Author == "" {
		topic.Author = topic.Owner
	}

	topic.Options, topic.FreeText = decodeOptions(row.Cell(topicColOptions))

	if cell := strings.TrimSpace(row.Cell(topicColDeadline)); cell != "" {
		if d, ok := parseTime(cell, s.opts.Location); ok {
			topic.Deadline = &d
		} else {
			s.logger.WithFields(logrus.Fields{"topic_id": id, "deadline": cell}).Warn("无法解析截止时间，按无截止时间处理")
		}
	}

	if model.TopicStatus(strings.TrimSpace(row.Cell(topicColStatus))) == model.TopicClosed {
		topic.Status = model.TopicClosed
	}

	if created, ok := parseTime(strings.TrimSpace(row.Cell(topicColCreatedAt)), s.opts.Location); ok {
		topic.CreatedAt = created
	}
	return topic, true
}

// decodeOptions 支持 JSON 数组和旧的 "/" 分隔格式
func decodeOptions(cell string) ([]string, bool) {
	cell = strings.TrimSpace(cell)
	if cell == model.FreeText {
		return nil, true
	}
	if strings.HasPrefix(cell, "[") {
		var options []string
		if err := json.Unmarshal([]byte(cell), &options); err == nil {
			return distinctOptions(options), false
		}
	}
	return distinctOptions(strings.Split(cell, "/")), false
}

func encodeTopic(topic *model.Topic) (table.Row, error) {
	options := model.FreeText
	if !topic.FreeText {
		data, err := json.Marshal(topic.Options)
		if err != nil {
			return nil, errors.Wrap(err, "序列化选项失败")
		}
		options = string(data)
	}

	deadline := ""
	if topic.Deadline != nil {
		deadline = formatTime(*topic.Deadline)
	}

	row := make(table.Row, len(TopicHeader))
	row[topicColID] = topic.ID
	row[topicColTitle] = topic.Title
	row[topicColAuthor] = topic.Author
	row[topicColOwner] = topic.Owner
	row[topicColOptions] = options
	row[topicColDeadline] = deadline
	row[topicColStatus] = string(topic.Status)
	row[topicColCreatedAt] = formatTime(topic.CreatedAt)
	return row, nil
}
