// Package deploy Ray 集群部署工作流
//
// 工作流由 Orchestrator 驱动，依次执行五个阶段：
//   - env-check:      Prober 并发探测节点环境
//   - env-install:    Installer 并发安装依赖
//   - cluster-create: ClusterFormer 启动头节点并并发加入工作节点
//   - model-download: Stager 在主节点准备模型
//   - rayLLM-launch:  Launcher 在主节点启动推理服务
//
// 阶段严格串行；阶段内部的节点调用通过同一个 Pool 并发执行。
// 各阶段只写入阶段内的并发安全累加器，步骤日志只由 Orchestrator 在阶段边界写入。
package deploy

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize 每个工作流的默认并发度
const DefaultPoolSize = 10

// Pool 工作流内共享的有界并发池
//
// 调用进入池内队列，由至多 size 个工作协程依次取出执行。
// 工作协程按需创建，队列为空时退出；sem 记录存活的工作协程数，
// 因此协程数量与节点数量无关。
type Pool struct {
	sem  *semaphore.Weighted
	size int64

	mu    sync.Mutex
	queue []func()
}

// NewPool 创建并发池，size <= 0 时使用默认值
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: semaphore.NewWeighted(size), size: size}
}

// Size 并发上限
func (p *Pool) Size() int64 {
	return p.size
}

// enqueue 入队，工作协程未满时补充一个
func (p *Pool) enqueue(task func()) {
	p.mu.Lock()
	p.queue = append(p.queue, task)
	spawn := p.sem.TryAcquire(1)
	p.mu.Unlock()
	if spawn {
		go p.work()
	}
}

// work 取出任务直到队列为空
//
// 判空与释放名额在同一把锁内完成，enqueue 不会错过补充协程的时机。
func (p *Pool) work() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.sem.Release(1)
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		task()
	}
}

// Future 一次池内调用的结果
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done 调用完成时关闭
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait 等待结果，ctx 结束时返回 ctx 的错误（调用本身不会被取消）
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit 提交一次调用
//
// 立即返回；调用在轮到工作协程时执行。ctx 在此之前结束时，
// Future 以 ctx 的错误完成，fn 不会执行。
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.enqueue(func() {
		defer close(f.done)
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.val, f.err = fn(ctx)
	})
	return f
}

// Map 对 n 个下标并发执行 fn，全部完成后返回按下标排列的结果
//
// 结果只通过下标写入各自的槽位，与完成顺序无关。
// ctx 已结束时 fn 仍会被调用，由 fn 自行转换为失败条目。
func Map[T any](ctx context.Context, p *Pool, n int, fn func(ctx context.Context, i int) T) []T {
	results := make([]T, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.enqueue(func() {
			defer wg.Done()
			results[i] = fn(ctx, i)
		})
	}
	wg.Wait()
	return results
}
