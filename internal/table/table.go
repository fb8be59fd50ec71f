// Package table 抽象外部表格服务：只有追加行、整表读取、改单元格三种操作，
// 没有事务，也没有唯一约束。
package table

import "context"

// Row 一行数据，按列顺序存放
type Row []string

// Store 表格存储接口。ref 为数据行（不含表头）从0开始的位置。
type Store interface {
	// EnsureTable 表不存在时创建并写入表头
	EnsureTable(ctx context.Context, table string, header Row) error

	// AppendRow 追加一行
	AppendRow(ctx context.Context, table string, row Row) error

	// ReadAll 读取全部数据行，不含表头
	ReadAll(ctx context.Context, table string) ([]Row, error)

	// UpdateCell 修改第 ref 行第 column 列
	UpdateCell(ctx context.Context, table string, ref int, column int, value string) error
}

// Cell 安全取列，缺失的列返回空字符串
func (r Row) Cell(i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return r[i]
}

func cloneRow(r Row) Row {
	return append(Row(nil), r...)
}
