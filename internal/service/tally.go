package service

import (
	"sort"

	"github.com/lvdashuaibi/teamvote/internal/model"
)

// SummaryUnavailable 摘要服务未配置或调用失败时的固定文本
const SummaryUnavailable = "summary unavailable"

// computeTally 计票。superseded 的票不计入；尚未对账的重复票按最早一张计。
// 固定选项议题列出所有选项（含0票），不在选项中的历史选择按字典序排在后面。
func computeTally(topic *model.Topic, votes []*model.Vote) *model.Tally {
	kept, _ := model.Collapse(votes)

	tally := &model.Tally{
		TopicID:  topic.ID,
		FreeText: topic.FreeText,
		Counts:   []model.OptionCount{},
		Answers:  []string{},
	}

	if topic.FreeText {
		for _, v := range kept {
			tally.Answers = append(tally.Answers, v.Choice)
		}
		sort.Strings(tally.Answers)
		tally.Total = len(tally.Answers)
		return tally
	}

	counts := make(map[string]int, len(topic.Options))
	for _, v := range kept {
		counts[v.Choice]++
	}

	for _, opt := range topic.Options {
		tally.Counts = append(tally.Counts, model.OptionCount{Option: opt, Count: counts[opt]})
		tally.Total += counts[opt]
		delete(counts, opt)
	}

	extra := make([]string, 0, len(counts))
	for choice := range counts {
		extra = append(extra, choice)
	}
	sort.Strings(extra)
	for _, choice := range extra {
		tally.Counts = append(tally.Counts, model.OptionCount{Option: choice, Count: counts[choice]})
		tally.Total += counts[choice]
	}
	return tally
}
