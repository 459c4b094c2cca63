// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库，提供推理服务容器的创建、启停、状态查询与日志读取。
package docker

import (
	"context"
	"fmt"
	"io"
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name    string            // 容器名称
	Image   string            // 镜像名称
	Cmd     []string          // 启动命令
	Env     []string          // 环境变量
	Volumes map[string]string // 挂载 host:container
	PortMap map[int]int       // 端口映射 host:container
	GPUs    bool              // 请求全部 GPU
	ShmSize int64             // /dev/shm 大小（字节），0 为 Docker 默认
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer 创建容器
//
// 以 TTY 模式运行，日志为原始文本流。
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	exposedPorts := make(network.PortSet)
	portBindings := make(network.PortMap)
	for hostPort, containerPort := range cfg.PortMap {
		port := network.MustParsePort(fmt.Sprintf("%d/tcp", containerPort))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []network.PortBinding{
			{HostIP: netip.IPv4Unspecified(), HostPort: fmt.Sprintf("%d", hostPort)},
		}
	}

	var binds []string
	for hostPath, containerPath := range cfg.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", hostPath, containerPath))
	}

	hostConfig := &container.HostConfig{
		Binds:        binds,
		PortBindings: portBindings,
		ShmSize:      cfg.ShmSize,
	}
	if cfg.GPUs {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	result, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			ExposedPorts: exposedPorts,
			Tty:          true,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// StopContainer 停止容器
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout *int) error {
	opts := client.ContainerStopOptions{}
	if timeout != nil {
		opts.Timeout = timeout
	}
	_, err := c.cli.ContainerStop(ctx, containerID, opts)
	return err
}

// RemoveContainer 删除容器；容器不存在时不报错
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	if err != nil && errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// IsContainerRunning 检查容器是否在运行
func (c *Client) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	result, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return result.Container.State.Running, nil
}

// ContainerLogs 获取容器日志
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     false,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
