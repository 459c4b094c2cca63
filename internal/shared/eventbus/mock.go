// Package eventbus 事件总线进程内实现
package eventbus

import (
	"context"
	"log"
	"strconv"
	"sync"
)

// subscriberBuffer 每个订阅者的缓冲长度
const subscriberBuffer = 64

// ============================================================================
// MemoryEventBus - 进程内事件总线（单实例部署和测试）
// ============================================================================

type memorySubscriber struct {
	deploymentID string
	ch           chan *StepEvent
}

// MemoryEventBus 进程内事件总线
//
// 保留每个部署最近 MaxStreamLength 条事件用于回放；
// 订阅者缓冲满时丢弃事件并记录日志，不阻塞发布方。
type MemoryEventBus struct {
	mu     sync.Mutex
	seq    int64
	events map[string][]*StepEvent
	subs   map[*memorySubscriber]struct{}
	closed bool
}

// NewMemoryEventBus 创建进程内事件总线
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		events: make(map[string][]*StepEvent),
		subs:   make(map[*memorySubscriber]struct{}),
	}
}

// PublishStepEvent 发布步骤事件
func (b *MemoryEventBus) PublishStepEvent(ctx context.Context, event *StepEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.seq++
	e := *event
	e.ID = strconv.FormatInt(b.seq, 10)
	event.ID = e.ID

	list := append(b.events[e.DeploymentID], &e)
	if len(list) > MaxStreamLength {
		list = list[len(list)-MaxStreamLength:]
	}
	b.events[e.DeploymentID] = list

	for sub := range b.subs {
		if sub.deploymentID != e.DeploymentID {
			continue
		}
		select {
		case sub.ch <- &e:
		default:
			log.Printf("[EventBus] Subscriber buffer full, dropping event %s for %s", e.ID, e.DeploymentID)
		}
	}
	return nil
}

// GetStepEvents 获取 fromID 之后的事件（fromID 为空时从头开始）
func (b *MemoryEventBus) GetStepEvents(ctx context.Context, deploymentID string, fromID string, count int64) ([]*StepEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var after int64
	if fromID != "" {
		after, _ = strconv.ParseInt(fromID, 10, 64)
	}
	out := []*StepEvent{}
	for _, e := range b.events[deploymentID] {
		if id, _ := strconv.ParseInt(e.ID, 10, 64); id <= after {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// SubscribeStepEvents 订阅部署的后续事件
func (b *MemoryEventBus) SubscribeStepEvents(ctx context.Context, deploymentID string) (<-chan *StepEvent, error) {
	sub := &memorySubscriber{deploymentID: deploymentID, ch: make(chan *StepEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, nil
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

// DeleteStepEvents 删除部署的事件记录
func (b *MemoryEventBus) DeleteStepEvents(ctx context.Context, deploymentID string) error {
	b.mu.Lock()
	delete(b.events, deploymentID)
	b.mu.Unlock()
	return nil
}

// Close 关闭事件总线并结束全部订阅
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}

// 确保 MemoryEventBus 实现了 EventBus 接口
var _ EventBus = (*MemoryEventBus)(nil)
