package repository

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/model"
	"github.com/lvdashuaibi/teamvote/internal/retry"
	"github.com/lvdashuaibi/teamvote/internal/table"
)

// Options 表格仓库的公共参数
type Options struct {
	// Table 工作表名
	Table string
	// ReadRetries 读操作最多尝试次数；写操作从不重试，避免重复追加
	ReadRetries int
	RetryDelay  time.Duration
	// Location 解析旧格式时间（无时区）时使用
	Location *time.Location
	Now      func() time.Time
	Logger   logrus.FieldLogger
}

func (o Options) withDefaults(defaultTable string) Options {
	if o.Table == "" {
		o.Table = defaultTable
	}
	if o.ReadRetries <= 0 {
		o.ReadRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func readRows(ctx context.Context, store table.Store, o Options) ([]table.Row, error) {
	var rows []table.Row
	err := retry.DoWithRetry(ctx, o.ReadRetries, o.RetryDelay, isRetryable, func() error {
		var err error
		rows, err = store.ReadAll(ctx, o.Table)
		return err
	})
	if err != nil {
		return nil, model.StoreUnavailable("read "+o.Table, err)
	}
	return rows, nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// legacyLayouts 旧表格里手写或由旧版程序写入的时间格式
var legacyLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(value string, loc *time.Location) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, true
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
