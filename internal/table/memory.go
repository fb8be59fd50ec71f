package table

import (
	"context"
	"sync"

	"emperror.dev/errors"
)

// MemoryStore 进程内实现，用于本地开发和测试
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

func (m *MemoryStore) EnsureTable(ctx context.Context, table string, header Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = nil
	}
	return nil
}

func (m *MemoryStore) AppendRow(ctx context.Context, table string, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], cloneRow(row))
	return nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, table string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tables[table]
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

func (m *MemoryStore) UpdateCell(ctx context.Context, table string, ref int, column int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	if ref < 0 || ref >= len(rows) {
		return errors.Errorf("表 %s 不存在第 %d 行", table, ref)
	}
	if column < 0 {
		return errors.Errorf("无效的列: %d", column)
	}
	row := rows[ref]
	for len(row) <= column {
		row = append(row, "")
	}
	row[column] = value
	rows[ref] = row
	return nil
}
