// Package registry 节点注册中心
//
// 节点代理启动后将自身实例信息写入注册中心；编排器在工作流开始时
// 通过 Lookup 将请求中的节点 ID 一次性解析为可访问的 NodeHandle。
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ray-deployer/internal/shared/model"
)

// 元数据中可用于匹配节点 ID 的标签
const (
	MetaNodeID     = "nodeId"
	MetaNodeIDDash = "node-id"
)

// Instance 注册中心中的节点代理实例
type Instance struct {
	InstanceID   string            `json:"instanceId"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Scheme       string            `json:"scheme,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Endpoint 节点代理基础 URL
func (i Instance) Endpoint() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Host, i.Port)
}

// Handle 转换为工作流使用的 NodeHandle
func (i Instance) Handle(nodeID string) model.NodeHandle {
	return model.NodeHandle{NodeID: nodeID, Endpoint: i.Endpoint(), Host: i.Host}
}

// Matches 判断实例是否对应请求的节点 ID（精确匹配或子串匹配）
func (i Instance) Matches(nodeID string) bool {
	return i.MatchesExactly(nodeID) || i.matchesPartially(nodeID)
}

// MatchesExactly 实例 ID、主机或元数据 nodeId/node-id 与节点 ID 相等
func (i Instance) MatchesExactly(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	if i.InstanceID == nodeID || i.Host == nodeID {
		return true
	}
	return i.Metadata[MetaNodeID] == nodeID || i.Metadata[MetaNodeIDDash] == nodeID
}

// matchesPartially 节点 ID 为实例 ID 或主机的子串
func (i Instance) matchesPartially(nodeID string) bool {
	if nodeID == "" {
		return false
	}
	return strings.Contains(i.InstanceID, nodeID) || strings.Contains(i.Host, nodeID)
}

// Directory 注册中心查询接口
type Directory interface {
	// List 返回当前全部实例，顺序即注册中心返回的顺序
	List(ctx context.Context) ([]Instance, error)
}

// Lookup 将节点 ID 解析为 NodeHandle
//
// 每个 ID 优先取精确匹配的实例，其次取第一个子串匹配的实例；未匹配的 ID 不出现在结果中。
// 注册中心查询失败时记录日志并返回已解析的部分（可能为空）。
func Lookup(ctx context.Context, dir Directory, nodeIDs []string) map[string]model.NodeHandle {
	handles := make(map[string]model.NodeHandle, len(nodeIDs))
	if dir == nil || len(nodeIDs) == 0 {
		return handles
	}

	instances, err := dir.List(ctx)
	if err != nil {
		log.Printf("[Registry] Failed to list instances: %v", err)
		return handles
	}

	for _, id := range nodeIDs {
		inst, ok := resolve(instances, id)
		if !ok {
			log.Printf("[Registry] Node %s not found in registry (%d instances)", id, len(instances))
			continue
		}
		handles[id] = inst.Handle(id)
	}
	return handles
}

// resolve 先在全部实例中找精确匹配，找不到才取第一个子串匹配
func resolve(instances []Instance, id string) (Instance, bool) {
	for _, inst := range instances {
		if inst.MatchesExactly(id) {
			return inst, true
		}
	}
	for _, inst := range instances {
		if inst.matchesPartially(id) {
			return inst, true
		}
	}
	return Instance{}, false
}
