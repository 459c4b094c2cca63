// Package probe 推理服务就绪探针
//
// IsReady 返回 (true, nil) 表示就绪，(false, nil) 表示尚未就绪可继续等待，
// 返回 error 表示服务已不可能就绪（进程退出、容器停止），轮询应立即结束。
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ReadinessProbe 就绪探针
type ReadinessProbe interface {
	IsReady(ctx context.Context) (bool, error)
}

// Func 函数形式的探针
type Func func(ctx context.Context) (bool, error)

// IsReady 调用函数本身
func (f Func) IsReady(ctx context.Context) (bool, error) { return f(ctx) }

// ============================================================================
// 进程存活
// ============================================================================

// ProcessProbe 进程存活探针
//
// Exited 在进程退出后关闭；ExitErr 返回退出原因（可为 nil）。
type ProcessProbe struct {
	Exited  <-chan struct{}
	ExitErr func() error
}

// IsReady 进程仍在运行即视为就绪
func (p *ProcessProbe) IsReady(ctx context.Context) (bool, error) {
	select {
	case <-p.Exited:
		var cause error
		if p.ExitErr != nil {
			cause = p.ExitErr()
		}
		if cause == nil {
			return false, fmt.Errorf("process exited")
		}
		return false, fmt.Errorf("process exited: %w", cause)
	default:
		return true, nil
	}
}

// ============================================================================
// 端口监听
// ============================================================================

// PortProbe TCP 端口探针
type PortProbe struct {
	Address string        // host:port
	Timeout time.Duration // 单次拨号超时，默认 1s
}

// IsReady 端口可连接即就绪
func (p *PortProbe) IsReady(ctx context.Context) (bool, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

// ============================================================================
// HTTP 健康检查
// ============================================================================

// HTTPProbe HTTP 探针，适用于提供 /health 的引擎
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// IsReady 返回 2xx 即就绪
func (p *HTTPProbe) IsReady(ctx context.Context) (bool, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("invalid probe url %s: %w", p.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// ============================================================================
// 容器运行状态
// ============================================================================

// ContainerInspector 查询容器是否在运行（pkg/docker.Client 实现）
type ContainerInspector interface {
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}

// ContainerProbe 容器运行探针
type ContainerProbe struct {
	Inspector   ContainerInspector
	ContainerID string
}

// IsReady 容器处于运行状态即就绪；已停止视为失败
func (p *ContainerProbe) IsReady(ctx context.Context) (bool, error) {
	running, err := p.Inspector.IsContainerRunning(ctx, p.ContainerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", p.ContainerID, err)
	}
	if !running {
		return false, fmt.Errorf("container %s is not running", p.ContainerID)
	}
	return true, nil
}

// ============================================================================
// 组合
// ============================================================================

type allOf []ReadinessProbe

// AllOf 全部探针就绪才就绪；任一返回错误立即返回该错误
func AllOf(probes ...ReadinessProbe) ReadinessProbe {
	return allOf(probes)
}

func (a allOf) IsReady(ctx context.Context) (bool, error) {
	ready := true
	for _, p := range a {
		ok, err := p.IsReady(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			ready = false
		}
	}
	return ready, nil
}

// Poll 在 window 内按 interval 轮询探针
//
// 就绪返回 true；探针报错返回该错误；窗口结束仍未就绪返回 (false, nil)。
func Poll(ctx context.Context, p ReadinessProbe, interval, window time.Duration) (bool, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ready, err := p.IsReady(ctx)
		if err != nil {
			return false, err
		}
		if ready {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}
