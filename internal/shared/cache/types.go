// Package cache 缓存层类型定义
package cache

import (
	"time"
)

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// KeyDeploymentState 部署快照 Hash，字段：status / current_step / snapshot / updated_at
	KeyDeploymentState = "deployment_state:"

	// TTLDeploymentState 未指定 TTL 时的默认过期时间
	TTLDeploymentState = 24 * time.Hour
)
