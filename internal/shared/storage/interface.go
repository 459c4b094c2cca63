// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（PostgreSQL、SQLite）、mongostore/（MongoDB）
//   - 初始化时通过依赖注入传入实现
//
// 进行中部署的运行时快照放在 cache/，步骤事件放在 eventbus/。
package storage

import (
	"context"

	"ray-deployer/internal/shared/model"
)

// 列表查询默认值
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// DeploymentFilter 部署记录查询条件
type DeploymentFilter struct {
	Status model.DeploymentStatus
	Limit  int
	Offset int
}

// Normalize 填充分页默认值
func (f *DeploymentFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// DeploymentStore 部署记录存储接口
//
// 记录在工作流开始时创建，结束时整体更新一次。
// 进入终态（COMPLETED/FAILED）的记录不可再更新，重复更新返回 ErrConflict。
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *model.DeploymentResponse) error
	UpdateDeployment(ctx context.Context, d *model.DeploymentResponse) error
	GetDeployment(ctx context.Context, id string) (*model.DeploymentResponse, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*model.DeploymentResponse, int, error)
	Close() error
}
