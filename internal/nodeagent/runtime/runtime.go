// Package runtime 推理服务运行时
//
// 推理引擎可以直接作为宿主机进程运行（process），也可以运行在 Docker 容器中（docker）。
// 两种运行时返回的 Instance 都带有就绪探针，由启动流程轮询判断服务是否起来。
package runtime

import (
	"context"

	"ray-deployer/internal/nodeagent/probe"
)

// 运行时类型
const (
	KindProcess = "process"
	KindDocker  = "docker"
)

// Runtime 推理服务运行时接口
type Runtime interface {
	// Name 返回运行时名称
	Name() string

	// Start 启动服务；返回时进程/容器已启动，但服务不一定就绪
	Start(ctx context.Context, spec *ServiceSpec) (*Instance, error)

	// Stop 停止服务
	Stop(ctx context.Context, id string) error

	// Logs 返回最近的输出，用于失败诊断
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// ServiceSpec 推理服务启动参数
type ServiceSpec struct {
	Name     string            // 服务名（容器名/日志文件名）
	Command  []string          // 引擎命令
	Env      map[string]string // 额外环境变量
	Port     int               // 服务端口
	ModelDir string            // 模型目录（容器中以同一路径挂载）
	GPU      bool              // 是否使用 GPU
	Image    string            // 容器镜像（docker）
}

// Instance 已启动的服务实例
type Instance struct {
	ID      string              // 进程 PID 或容器 ID
	Runtime string              // process | docker
	Probe   probe.ReadinessProbe // 就绪探针
}
