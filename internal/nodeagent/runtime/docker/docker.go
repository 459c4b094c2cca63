// Package docker 推理服务的 Docker 容器运行时
//
// 引擎运行在 cfg.DockerImage 镜像中，模型目录以同一路径挂载进容器，
// 服务端口映射到宿主机同名端口，因此启动参数在两种运行时下保持一致。
package docker

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"ray-deployer/internal/nodeagent/probe"
	"ray-deployer/internal/nodeagent/runtime"
	"ray-deployer/pkg/docker"
)

// Client 运行时使用的 Docker 操作（pkg/docker.Client 实现）
type Client interface {
	CreateContainer(ctx context.Context, cfg *docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
	ContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error)
}

// 默认共享内存，vLLM/TGI 的张量并行依赖较大的 /dev/shm
const defaultShmSize = 8 << 30

// Runtime Docker 容器运行时
type Runtime struct {
	client Client
	image  string
}

// New 创建 Docker 运行时
func New(client Client, image string) *Runtime {
	return &Runtime{client: client, image: image}
}

// Name 返回运行时名称
func (r *Runtime) Name() string {
	return runtime.KindDocker
}

// Start 创建并启动容器；同名旧容器先删除
func (r *Runtime) Start(ctx context.Context, spec *runtime.ServiceSpec) (*runtime.Instance, error) {
	image := spec.Image
	if image == "" {
		image = r.image
	}
	if image == "" {
		return nil, fmt.Errorf("docker image not configured")
	}
	name := containerName(spec.Name)

	if err := r.client.RemoveContainer(ctx, name, true); err != nil {
		log.Printf("[runtime.docker] remove stale container %s: %v", name, err)
	}

	cfg := &docker.ContainerConfig{
		Name:    name,
		Image:   image,
		Cmd:     spec.Command,
		Env:     envList(spec.Env),
		PortMap: map[int]int{spec.Port: spec.Port},
		GPUs:    spec.GPU,
		ShmSize: defaultShmSize,
	}
	if spec.ModelDir != "" {
		cfg.Volumes = map[string]string{spec.ModelDir: spec.ModelDir}
	}

	id, err := r.client.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := r.client.StartContainer(ctx, id); err != nil {
		r.client.RemoveContainer(ctx, id, true)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	log.Printf("[runtime.docker] started %s (%s) image=%s", name, shortID(id), image)

	return &runtime.Instance{
		ID:      id,
		Runtime: runtime.KindDocker,
		Probe: probe.AllOf(
			&probe.ContainerProbe{Inspector: r.client, ContainerID: id},
			&probe.PortProbe{Address: fmt.Sprintf("127.0.0.1:%d", spec.Port)},
		),
	}, nil
}

// Stop 停止并删除容器
func (r *Runtime) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := r.client.StopContainer(ctx, id, &timeout); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return r.client.RemoveContainer(ctx, id, true)
}

// Logs 读取容器日志
func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, strconv.Itoa(tail))
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func containerName(service string) string {
	name := strings.NewReplacer("/", "-", "_", "-", " ", "-", ":", "-").Replace(strings.ToLower(service))
	return "ray-serve-" + strings.Trim(name, "-")
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
