package model

import "emperror.dev/errors"

const (
	ErrValidation        = errors.Sentinel("参数校验失败")
	ErrNotFound          = errors.Sentinel("记录不存在")
	ErrForbidden         = errors.Sentinel("无权操作")
	ErrInvalidState      = errors.Sentinel("状态不允许该操作")
	ErrTopicClosed       = errors.Sentinel("议题已关闭")
	ErrDeadlinePassed    = errors.Sentinel("议题已过截止时间")
	ErrInvalidChoice     = errors.Sentinel("无效的选项")
	ErrAlreadyVoted      = errors.Sentinel("已经投过票")
	ErrStoreUnavailable  = errors.Sentinel("存储服务不可用")
	ErrDuplicateDetected = errors.Sentinel("发现重复投票")
)

// Validation 包装一条用户可修正的输入错误
func Validation(msg string) error {
	return errors.Errorf("%w: %s", ErrValidation, msg)
}

// StoreUnavailable 把后端错误转换为可重试的存储错误，保留原始原因
func StoreUnavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrStoreUnavailable) {
		return cause
	}
	return errors.WithDetails(errors.Errorf("%w: %s: %w", ErrStoreUnavailable, op, cause), "op", op)
}

// DuplicateError 描述一次已处理的重复投票
func DuplicateError(d Duplicate) error {
	return errors.WithDetails(
		errors.Errorf("%w: topic=%s voter=%s superseded=%d", ErrDuplicateDetected, d.TopicID, d.Voter, len(d.Superseded)),
		"topic_id", d.TopicID, "voter", d.Voter,
	)
}
