package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/config"
	"ray-deployer/internal/registry"
	"ray-deployer/internal/shared/model"
)

// fakeNode 单个节点代理的预设响应
type fakeNode struct {
	env      *model.NodeEnvironmentInfo
	envErr   error
	envDelay time.Duration

	install    *model.InstallResult
	installErr error

	head    *model.RayNodeResult
	headErr error

	join      *model.RayNodeResult
	joinErr   error
	joinDelay time.Duration

	status    *model.ClusterStatusResult
	statusErr error

	download    *model.DownloadResult
	downloadErr error

	launch    *model.LaunchResult
	launchErr error
}

func healthyNode(id string) *fakeNode {
	return &fakeNode{
		env: &model.NodeEnvironmentInfo{
			NodeID:          id,
			Status:          model.EnvOnline,
			PythonInstalled: true,
			RayInstalled:    false,
			CPU:             &model.CPUInfo{LogicalCores: 8},
			Memory:          &model.MemoryInfo{TotalMemoryMB: 32768, FreeMemoryMB: 16384},
		},
		install: &model.InstallResult{Success: true, RayInstalled: true, ModelEnginesInstalled: true},
		head:    &model.RayNodeResult{Success: true, NodeStatus: "head"},
		join:    &model.RayNodeResult{Success: true, NodeStatus: "worker"},
		download: &model.DownloadResult{
			Status:       model.RemoteSuccess,
			DownloadPath: "/tmp/ray/models/" + id,
		},
		launch: &model.LaunchResult{Status: model.RemoteSuccess, ServiceStatus: "RUNNING"},
	}
}

// fakeClient 内存中的 NodeClient
type fakeClient struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	calls map[string][]string // op -> node IDs

	launches []model.LaunchRequest

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeClient(nodes map[string]*fakeNode) *fakeClient {
	return &fakeClient{nodes: nodes, calls: map[string][]string{}}
}

func (c *fakeClient) enter(op string, node model.NodeHandle) (*fakeNode, func()) {
	c.mu.Lock()
	c.calls[op] = append(c.calls[op], node.NodeID)
	n := c.nodes[node.NodeID]
	c.mu.Unlock()

	cur := c.inflight.Add(1)
	for {
		max := c.maxInflight.Load()
		if cur <= max || c.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	return n, func() { c.inflight.Add(-1) }
}

func (c *fakeClient) called(op string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls[op]...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errUnknownNode = fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)

func (c *fakeClient) CheckEnvironment(ctx context.Context, node model.NodeHandle) (*model.NodeEnvironmentInfo, error) {
	n, done := c.enter("check-environment", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if err := sleepCtx(ctx, n.envDelay); err != nil {
		return nil, err
	}
	if n.envErr != nil {
		return nil, n.envErr
	}
	info := *n.env
	return &info, nil
}

func (c *fakeClient) InstallEnvironment(ctx context.Context, node model.NodeHandle, req model.InstallRequest) (*model.InstallResult, error) {
	n, done := c.enter("install-environment", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if n.installErr != nil {
		return nil, n.installErr
	}
	res := *n.install
	return &res, nil
}

func (c *fakeClient) StartHead(ctx context.Context, node model.NodeHandle, req model.StartHeadRequest) (*model.RayNodeResult, error) {
	n, done := c.enter("start-head", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if n.headErr != nil {
		return nil, n.headErr
	}
	res := *n.head
	return &res, nil
}

func (c *fakeClient) JoinCluster(ctx context.Context, node model.NodeHandle, req model.JoinClusterRequest) (*model.RayNodeResult, error) {
	n, done := c.enter("join-cluster", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if err := sleepCtx(ctx, n.joinDelay); err != nil {
		return nil, err
	}
	if n.joinErr != nil {
		return nil, n.joinErr
	}
	res := *n.join
	return &res, nil
}

func (c *fakeClient) ClusterStatus(ctx context.Context, node model.NodeHandle, req model.ClusterStatusRequest) (*model.ClusterStatusResult, error) {
	n, done := c.enter("cluster-status", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if n.statusErr != nil {
		return nil, n.statusErr
	}
	if n.status != nil {
		res := *n.status
		return &res, nil
	}
	// 未预设时按成功加入的节点数作答
	c.mu.Lock()
	count := 1 + len(c.calls["join-cluster"])
	c.mu.Unlock()
	return &model.ClusterStatusResult{Status: model.ClusterHealthy, NodeCount: count, RayVersion: "2.9.0"}, nil
}

func (c *fakeClient) DownloadModel(ctx context.Context, node model.NodeHandle, req model.DownloadRequest) (*model.DownloadResult, error) {
	n, done := c.enter("download-model", node)
	defer done()
	if n == nil {
		return nil, errUnknownNode
	}
	if n.downloadErr != nil {
		return nil, n.downloadErr
	}
	res := *n.download
	return &res, nil
}

func (c *fakeClient) LaunchService(ctx context.Context, node model.NodeHandle, req model.LaunchRequest) (*model.LaunchResult, error) {
	n, done := c.enter("launch-service", node)
	defer done()
	c.mu.Lock()
	c.launches = append(c.launches, req)
	c.mu.Unlock()
	if n == nil {
		return nil, errUnknownNode
	}
	if n.launchErr != nil {
		return nil, n.launchErr
	}
	res := *n.launch
	return &res, nil
}

// handleOf 测试用 NodeHandle
func handleOf(id string) model.NodeHandle {
	return model.NodeHandle{NodeID: id, Endpoint: "http://" + id + ":15800", Host: id}
}

// directoryOf 只包含给定节点的静态注册中心
func directoryOf(ids ...string) *registry.StaticDirectory {
	instances := make([]registry.Instance, 0, len(ids))
	for _, id := range ids {
		instances = append(instances, registry.Instance{InstanceID: id, Host: id, Port: 15800})
	}
	return registry.NewStaticDirectory(instances...)
}

// fastConfig 缩短等待时间的工作流配置
func fastConfig() config.DeployConfig {
	cfg := config.DefaultDeployConfig()
	cfg.HeadSettleDelay = 0
	cfg.JoinBarrier = 500 * time.Millisecond
	cfg.JoinCollect = 50 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	return cfg
}

func notFoundErr() error {
	return &agentclient.StatusError{Code: 404, Message: "not found"}
}

func request(nodeIDs ...string) *model.DeploymentRequest {
	return &model.DeploymentRequest{
		ModelName:   "qwen-7b",
		ModelSource: model.ModelSourceHuggingFace,
		NodeIDs:     nodeIDs,
	}
}
