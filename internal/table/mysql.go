package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"emperror.dev/errors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

const createRowsTable = `
CREATE TABLE IF NOT EXISTS table_rows (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	tbl VARCHAR(64) NOT NULL,
	cells TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	INDEX idx_tbl_id (tbl, id)
)`

// MySQLStore 把表格模型落在一张通用的行表上，用于没有表格服务的部署。
// 写走主库，读走从库；从库不可用时退回主库。
type MySQLStore struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// MySQLOptions 连接参数
type MySQLOptions struct {
	Master       string
	Slave        string
	MaxOpenConns int
	MaxIdleConns int
}

func NewMySQLStore(opts MySQLOptions, logger logrus.FieldLogger) (*MySQLStore, error) {
	masterDB, err := openMySQL(opts.Master, opts)
	if err != nil {
		return nil, errors.Wrap(err, "连接主数据库失败")
	}

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, errors.Wrap(err, "主数据库连接测试失败")
	}

	if _, err := masterDB.Exec(createRowsTable); err != nil {
		masterDB.Close()
		return nil, errors.Wrap(err, "创建行表失败")
	}

	slaveDB := masterDB
	if opts.Slave != "" {
		db, err := openMySQL(opts.Slave, opts)
		if err != nil {
			logger.WithError(err).Warn("连接从数据库失败，将使用主数据库代替")
		} else if err = db.Ping(); err != nil {
			logger.WithError(err).Warn("从数据库连接测试失败，将使用主数据库代替")
			db.Close()
		} else {
			slaveDB = db
		}
	}

	return &MySQLStore{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

func openMySQL(dsn string, opts MySQLOptions) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// EnsureTable 所有逻辑表共用 table_rows，表头不落库
func (r *MySQLStore) EnsureTable(ctx context.Context, table string, header Row) error {
	return nil
}

func (r *MySQLStore) AppendRow(ctx context.Context, table string, row Row) error {
	cells, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "序列化行失败")
	}

	if _, err := r.masterDB.ExecContext(ctx,
		"INSERT INTO table_rows (tbl, cells) VALUES (?, ?)", table, string(cells)); err != nil {
		return errors.Wrapf(err, "向表 %s 追加行失败", table)
	}
	return nil
}

func (r *MySQLStore) ReadAll(ctx context.Context, table string) ([]Row, error) {
	rows, err := r.slaveDB.QueryContext(ctx,
		"SELECT cells FROM table_rows WHERE tbl = ? ORDER BY id", table)
	if err != nil {
		return nil, errors.Wrapf(err, "查询表 %s 失败", table)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var cells string
		if err := rows.Scan(&cells); err != nil {
			return nil, errors.Wrap(err, "扫描行失败")
		}
		var row Row
		if err := json.Unmarshal([]byte(cells), &row); err != nil {
			return nil, errors.Wrap(err, "解析行失败")
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "迭代行失败")
	}
	return result, nil
}

func (r *MySQLStore) UpdateCell(ctx context.Context, table string, ref int, column int, value string) error {
	if ref < 0 || column < 0 {
		return errors.Errorf("无效的单元格位置: 行%d 列%d", ref, column)
	}

	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "开始事务失败")
	}
	defer tx.Rollback()

	var (
		id    int64
		cells string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, cells FROM table_rows WHERE tbl = ? ORDER BY id LIMIT 1 OFFSET ? FOR UPDATE",
		table, ref,
	).Scan(&id, &cells)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Errorf("表 %s 不存在第 %d 行", table, ref)
		}
		return errors.Wrap(err, "查询行失败")
	}

	var row Row
	if err := json.Unmarshal([]byte(cells), &row); err != nil {
		return errors.Wrap(err, "解析行失败")
	}
	for len(row) <= column {
		row = append(row, "")
	}
	row[column] = value

	updated, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "序列化行失败")
	}
	if _, err := tx.ExecContext(ctx, "UPDATE table_rows SET cells = ? WHERE id = ?", string(updated), id); err != nil {
		return errors.Wrap(err, "更新单元格失败")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "提交事务失败")
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLStore) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
