// Package cache 缓存层抽象接口
//
// 保存进行中部署的运行时快照，供查询接口在工作流尚未落库前读取。
// 当前由 Redis 实现；未启用 Redis 时使用 NoOpCache。
package cache

import (
	"context"
	"time"

	"ray-deployer/internal/shared/model"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// DeploymentStateCache 部署状态缓存接口
//
// GetDeploymentState 在 key 不存在时返回 (nil, nil)。
type DeploymentStateCache interface {
	SetDeploymentState(ctx context.Context, d *model.DeploymentResponse, ttl time.Duration) error
	GetDeploymentState(ctx context.Context, id string) (*model.DeploymentResponse, error)
	DeleteDeploymentState(ctx context.Context, id string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	DeploymentStateCache
	Close() error
}
