package table

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/teamvote/internal/metrics"
	"github.com/lvdashuaibi/teamvote/internal/model"
)

// DefaultSlowOp 超过该耗时的存储操作会记一条警告
const DefaultSlowOp = time.Second

// Timed 为每次存储调用加上超时和耗时统计。
// 后端不响应时也会在超时后返回 ErrStoreUnavailable，后端调用在后台自行结束。
type Timed struct {
	next    Store
	timeout time.Duration
	slow    time.Duration
	logger  logrus.FieldLogger
}

var _ Store = (*Timed)(nil)

func NewTimed(next Store, timeout time.Duration, logger logrus.FieldLogger) *Timed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Timed{
		next:    next,
		timeout: timeout,
		slow:    DefaultSlowOp,
		logger:  logger.WithField("component", "table"),
	}
}

func (t *Timed) EnsureTable(ctx context.Context, table string, header Row) error {
	return t.do(ctx, "ensure_table", table, func(ctx context.Context) error {
		return t.next.EnsureTable(ctx, table, header)
	})
}

func (t *Timed) AppendRow(ctx context.Context, table string, row Row) error {
	return t.do(ctx, "append_row", table, func(ctx context.Context) error {
		return t.next.AppendRow(ctx, table, row)
	})
}

func (t *Timed) ReadAll(ctx context.Context, table string) ([]Row, error) {
	var rows []Row
	err := t.do(ctx, "read_all", table, func(ctx context.Context) error {
		var err error
		rows, err = t.next.ReadAll(ctx, table)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *Timed) UpdateCell(ctx context.Context, table string, ref int, column int, value string) error {
	return t.do(ctx, "update_cell", table, func(ctx context.Context) error {
		return t.next.UpdateCell(ctx, table, ref, column, value)
	})
}

func (t *Timed) do(ctx context.Context, op, table string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	elapsed := time.Since(start)
	metrics.ObserveStoreOp(op, err, elapsed)

	if elapsed >= t.slow {
		t.logger.WithFields(logrus.Fields{
			"op":          op,
			"table":       table,
			"duration_ms": elapsed.Milliseconds(),
		}).Warn("存储操作耗时过长")
	}

	if err != nil {
		return model.StoreUnavailable(op+" "+table, err)
	}
	return nil
}
