// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"

	"ray-deployer/internal/shared/model"
)

// ============================================================================
// 事件类型
// ============================================================================

// 事件类型
const (
	// EventStep 步骤写入（进入或结束一个阶段）
	EventStep = "step"
	// EventFinished 部署进入终态
	EventFinished = "finished"
)

// StepEvent 部署步骤事件
type StepEvent struct {
	ID           string                 `json:"id"`
	DeploymentID string                 `json:"deploymentId"`
	Type         string                 `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	Status       model.DeploymentStatus `json:"status"`
	Step         *model.DeploymentStep  `json:"step,omitempty"`
}

// Terminal 是否为终态事件
func (e *StepEvent) Terminal() bool {
	return e.Type == EventFinished
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyDeploymentEvents Stream key 前缀
	KeyDeploymentEvents = "deployment_events:"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
