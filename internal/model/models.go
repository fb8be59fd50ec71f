package model

import (
	"sort"
	"time"
)

// FreeText 自由回答模式在表格中的标记
const FreeText = "FREE_TEXT"

// TopicStatus 议题状态，只允许 active -> closed
type TopicStatus string

const (
	TopicActive TopicStatus = "active"
	TopicClosed TopicStatus = "closed"
)

// VoteState 投票记录状态，superseded 只由对账写入
type VoteState string

const (
	VoteCounted    VoteState = "counted"
	VoteSuperseded VoteState = "superseded"
)

// TopicOrder 议题列表排序方式
type TopicOrder string

const (
	OrderDeadlineAsc  TopicOrder = "deadline_asc"
	OrderDeadlineDesc TopicOrder = "deadline_desc"
	OrderNewest       TopicOrder = "newest"
)

// Topic 议题模型
type Topic struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Author    string      `json:"author"`
	Owner     string      `json:"owner"`
	Options   []string    `json:"options"`
	FreeText  bool        `json:"freeText"`
	Deadline  *time.Time  `json:"deadline,omitempty"`
	Status    TopicStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// TopicInput 创建议题的请求
type TopicInput struct {
	Title    string
	Author   string
	Options  []string
	FreeText bool
	Deadline *time.Time
}

// Vote 投票记录，Ref 是该行在表中的位置（从0开始）
type Vote struct {
	TopicID string    `json:"topicId"`
	Voter   string    `json:"voter"`
	Choice  string    `json:"choice"`
	VotedAt time.Time `json:"votedAt"`
	State   VoteState `json:"state"`
	Ref     int       `json:"-"`
}

// OptionCount 单个选项的票数
type OptionCount struct {
	Option string `json:"option"`
	Count  int    `json:"count"`
}

// Tally 计票结果；自由回答议题只填 Answers
type Tally struct {
	TopicID  string        `json:"topicId"`
	FreeText bool          `json:"freeText"`
	Counts   []OptionCount `json:"counts"`
	Answers  []string      `json:"answers"`
	Total    int           `json:"total"`
	Summary  string        `json:"summary,omitempty"`
}

// VoteEvent Kafka投票事件
type VoteEvent struct {
	TopicID string    `json:"topicId"`
	Voter   string    `json:"voter"`
	Choice  string    `json:"choice"`
	VotedAt time.Time `json:"votedAt"`
}

// Duplicate 对账发现的同一身份重复投票
type Duplicate struct {
	TopicID    string
	Voter      string
	Kept       *Vote
	Superseded []*Vote
}

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	Scanned    int
	Duplicates []Duplicate
	// Errors 每个已处理的重复对应一个包装了 ErrDuplicateDetected 的错误
	Errors []error
}

// OpenAt 议题在 now 时刻是否接受投票
func (t *Topic) OpenAt(now time.Time) bool {
	if t.Status != TopicActive {
		return false
	}
	return t.Deadline == nil || t.Deadline.After(now)
}

// HasOption 选项是否属于该议题
func (t *Topic) HasOption(choice string) bool {
	for _, opt := range t.Options {
		if opt == choice {
			return true
		}
	}
	return false
}

// Clone 深拷贝，避免调用方修改共享快照
func (t *Topic) Clone() *Topic {
	c := *t
	if t.Options != nil {
		c.Options = append([]string(nil), t.Options...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	return &c
}

// Map 以 选项->票数 的形式返回
func (t *Tally) Map() map[string]int {
	m := make(map[string]int, len(t.Counts))
	for _, c := range t.Counts {
		m[c.Option] = c.Count
	}
	return m
}

// EarliestFirst 对同一身份的多张票排序：最早的在前。
// 时间相同时按选项、行号比较，保证结果与写入顺序无关。
func EarliestFirst(votes []*Vote) {
	sort.SliceStable(votes, func(i, j int) bool {
		a, b := votes[i], votes[j]
		if !a.VotedAt.Equal(b.VotedAt) {
			return a.VotedAt.Before(b.VotedAt)
		}
		if a.Choice != b.Choice {
			return a.Choice < b.Choice
		}
		return a.Ref < b.Ref
	})
}

// SortTopics 按 order 原地排序；没有截止时间的议题总排在最后
func SortTopics(topics []*Topic, order TopicOrder) {
	sort.SliceStable(topics, func(i, j int) bool {
		a, b := topics[i], topics[j]
		switch order {
		case OrderNewest:
			return a.CreatedAt.After(b.CreatedAt)
		case OrderDeadlineDesc:
			if a.Deadline == nil || b.Deadline == nil {
				return a.Deadline != nil && b.Deadline == nil
			}
			return a.Deadline.After(*b.Deadline)
		default:
			if a.Deadline == nil || b.Deadline == nil {
				return a.Deadline != nil && b.Deadline == nil
			}
			return a.Deadline.Before(*b.Deadline)
		}
	})
}

// Collapse 去掉 superseded 的票，并把同一 (议题, 身份) 的多张票折叠为最早的一张。
// 返回保留的票（按首次出现的顺序）和被折叠的重复组。
func Collapse(votes []*Vote) ([]*Vote, []Duplicate) {
	type key struct{ topic, voter string }
	groups := make(map[key][]*Vote)
	var order []key

	for _, v := range votes {
		if v.State == VoteSuperseded {
			continue
		}
		k := key{v.TopicID, v.Voter}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], v)
	}

	kept := make([]*Vote, 0, len(order))
	var dups []Duplicate
	for _, k := range order {
		group := groups[k]
		if len(group) > 1 {
			EarliestFirst(group)
			dups = append(dups, Duplicate{
				TopicID:    k.topic,
				Voter:      k.voter,
				Kept:       group[0],
				Superseded: group[1:],
			})
		}
		kept = append(kept, group[0])
	}
	return kept, dups
}
