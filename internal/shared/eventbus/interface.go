// Package eventbus 事件总线抽象接口
//
// 发布部署步骤事件，供 WebSocket 推送和跨实例订阅。
// 多实例部署使用 Redis Streams 实现；单实例使用进程内 MemoryEventBus。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// DeploymentEventBus 部署事件总线接口
//
// SubscribeStepEvents 返回的 channel 在 ctx 结束或底层连接出错时关闭。
type DeploymentEventBus interface {
	PublishStepEvent(ctx context.Context, event *StepEvent) error
	GetStepEvents(ctx context.Context, deploymentID string, fromID string, count int64) ([]*StepEvent, error)
	SubscribeStepEvents(ctx context.Context, deploymentID string) (<-chan *StepEvent, error)
	DeleteStepEvents(ctx context.Context, deploymentID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	DeploymentEventBus
	Close() error
}
