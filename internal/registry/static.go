package registry

import (
	"context"

	"ray-deployer/internal/config"
)

// StaticDirectory 配置文件中的静态节点列表（无 etcd 的开发环境）
type StaticDirectory struct {
	instances []Instance
}

// NewStaticDirectory 创建静态注册中心
func NewStaticDirectory(instances ...Instance) *StaticDirectory {
	return &StaticDirectory{instances: instances}
}

// NewStaticDirectoryFromConfig 从 registry.nodes 配置构建
func NewStaticDirectoryFromConfig(nodes []config.StaticNode) *StaticDirectory {
	instances := make([]Instance, 0, len(nodes))
	for _, n := range nodes {
		port := n.Port
		if port == 0 {
			port = 15800
		}
		instances = append(instances, Instance{
			InstanceID: n.InstanceID,
			Host:       n.Host,
			Port:       port,
			Metadata:   n.Metadata,
		})
	}
	return NewStaticDirectory(instances...)
}

// List 返回实例副本
func (d *StaticDirectory) List(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Instance, len(d.instances))
	copy(out, d.instances)
	return out, nil
}
