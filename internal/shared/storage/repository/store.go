// Package repository 数据库无关的部署记录存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ray-deployer/internal/shared/storage"
	"ray-deployer/internal/shared/storage/dbutil"
	"ray-deployer/pkg/logging"
)

// deploymentsTable 查询日志中的表名
const deploymentsTable = "deployments"

// Store 通用存储实现
// 实现了 storage.DeploymentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
	log     *logging.Logger
}

// Option Store 可选配置
type Option func(*Store)

// WithLogger 指定查询日志器
func WithLogger(log *logging.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, log: logging.Default("storage")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logQuery 记录一次查询；未找到、重复、终态冲突属于业务结果，不按错误记录
func (s *Store) logQuery(op string, start time.Time, err error) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDuplicate) || errors.Is(err, storage.ErrConflict) {
		err = nil
	}
	s.log.DBQueryLog(op, deploymentsTable, time.Since(start), err)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// NullableJSON 用于安全扫描可能为 NULL 的 JSON 字段
// database/sql 无法直接将 NULL scan 到 json.RawMessage，需要通过 *[]byte 中间变量
type NullableJSON struct {
	Data *[]byte
}

// Value 返回 json.RawMessage（如果非 NULL）
func (n *NullableJSON) Value() json.RawMessage {
	if n.Data != nil {
		return json.RawMessage(*n.Data)
	}
	return nil
}

var _ storage.DeploymentStore = (*Store)(nil)
