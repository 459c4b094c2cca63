// Package cache 缓存层 mock 实现
package cache

import (
	"context"
	"time"

	"ray-deployer/internal/shared/model"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试和未启用 Redis 的部署）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

func (c *NoOpCache) SetDeploymentState(ctx context.Context, d *model.DeploymentResponse, ttl time.Duration) error {
	return nil
}
func (c *NoOpCache) GetDeploymentState(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	return nil, nil
}
func (c *NoOpCache) DeleteDeploymentState(ctx context.Context, id string) error {
	return nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)
