package nodeagent

import (
	"context"
	"fmt"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"ray-deployer/internal/nodeagent/runtime"
	"ray-deployer/internal/shared/model"
)

const (
	rayTempDir = "/tmp/ray"
	// macOS 共享内存有限，对象存储上限 2GiB
	darwinObjectStoreCap = 2 << 30
)

// rayEnv Ray 进程公共环境变量
var rayEnv = "RAY_ENABLE_WINDOWS_OR_OSX_CLUSTER=1 RAY_TMPDIR=" + rayTempDir + " "

// RayManager 管理本机 Ray 进程
type RayManager struct {
	runner  Runner
	host    string
	goos    string
	timeout time.Duration
}

// NewRayManager 创建 Ray 管理器；host 为对外地址，写入集群地址与 --node-ip-address
func NewRayManager(runner Runner, host string, timeout time.Duration) *RayManager {
	return &RayManager{runner: runner, host: host, goos: goruntime.GOOS, timeout: timeout}
}

// StartHead 启动头节点（先停止本机已有的 Ray 进程）
func (m *RayManager) StartHead(ctx context.Context, req model.StartHeadRequest) *model.RayNodeResult {
	req = m.headDefaults(req)
	res := m.run(ctx, "ray stop --force >/dev/null 2>&1; "+rayEnv+runtime.ShellJoin(m.headArgs(req)))
	if res.Success {
		res.NodeStatus = "head"
		res.ClusterAddress = fmt.Sprintf("%s:%d", m.host, req.RayPort)
	}
	return res
}

// JoinCluster 以工作节点身份加入集群
func (m *RayManager) JoinCluster(ctx context.Context, req model.JoinClusterRequest) *model.RayNodeResult {
	addr := NormalizeClusterAddress(req.ClusterAddress)
	if addr == "" {
		return &model.RayNodeResult{ExitCode: -1, ErrorMessage: "clusterAddress is required"}
	}
	args := []string{"ray", "start", "--address=" + addr, "--temp-dir=" + rayTempDir}
	if m.host != "" {
		args = append(args, "--node-ip-address="+m.host)
	}
	args = appendResources(args, req.NumCPUs, req.NumGPUs, req.Memory)

	res := m.run(ctx, "ray stop --force >/dev/null 2>&1; "+rayEnv+runtime.ShellJoin(args))
	if res.Success {
		res.NodeStatus = "worker"
		res.ClusterAddress = addr
	}
	return res
}

// ClusterStatus 查询集群状态
func (m *RayManager) ClusterStatus(ctx context.Context, req model.ClusterStatusRequest) *model.ClusterStatusResult {
	addr := NormalizeClusterAddress(req.ClusterAddress)
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", m.host, model.DefaultRayPort)
	}
	result := &model.ClusterStatusResult{Status: model.ClusterUnhealthy, ClusterAddress: addr}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	out, err := m.runner.Run(ctx, rayEnv+"ray status --address="+runtime.ShellQuote(addr))
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	if !out.Success() {
		result.ErrorMessage = runtime.TailLines(out.Output, 10)
		return result
	}
	result.NodeCount = ParseActiveNodes(out.Output)
	if result.NodeCount > 0 {
		result.Status = model.ClusterHealthy
	}
	if v, err := m.runner.Run(ctx, "ray --version"); err == nil && v.Success() {
		result.RayVersion = parseRayVersion(v.Output)
	}
	return result
}

func (m *RayManager) headDefaults(req model.StartHeadRequest) model.StartHeadRequest {
	if req.RayPort == 0 {
		req.RayPort = model.DefaultRayPort
	}
	if req.DashboardPort == 0 {
		req.DashboardPort = model.DefaultDashboardPort
	}
	if req.ObjectStorePort == 0 {
		req.ObjectStorePort = model.DefaultObjectStorePort
	}
	if req.MinWorkerPort == 0 {
		req.MinWorkerPort = model.DefaultMinWorkerPort
	}
	if req.MaxWorkerPort == 0 {
		req.MaxWorkerPort = model.DefaultMaxWorkerPort
	}
	if m.goos == "darwin" && (req.ObjectStoreMemory == 0 || req.ObjectStoreMemory > darwinObjectStoreCap) {
		req.ObjectStoreMemory = darwinObjectStoreCap
	}
	return req
}

func (m *RayManager) headArgs(req model.StartHeadRequest) []string {
	args := []string{
		"ray", "start", "--head",
		"--port=" + strconv.Itoa(req.RayPort),
		"--dashboard-host=0.0.0.0",
		"--dashboard-port=" + strconv.Itoa(req.DashboardPort),
		"--object-manager-port=" + strconv.Itoa(req.ObjectStorePort),
		"--min-worker-port=" + strconv.Itoa(req.MinWorkerPort),
		"--max-worker-port=" + strconv.Itoa(req.MaxWorkerPort),
		"--temp-dir=" + rayTempDir,
	}
	if req.GCSServerPort != 0 && req.GCSServerPort != req.RayPort {
		args = append(args, "--gcs-server-port="+strconv.Itoa(req.GCSServerPort))
	}
	if m.host != "" {
		args = append(args, "--node-ip-address="+m.host)
	}
	args = appendResources(args, req.NumCPUs, req.NumGPUs, req.Memory)
	if req.ObjectStoreMemory > 0 {
		args = append(args, "--object-store-memory="+strconv.FormatInt(req.ObjectStoreMemory, 10))
	}
	return args
}

func appendResources(args []string, cpus, gpus int, memory int64) []string {
	if cpus > 0 {
		args = append(args, "--num-cpus="+strconv.Itoa(cpus))
	}
	args = append(args, "--num-gpus="+strconv.Itoa(gpus))
	if memory > 0 {
		args = append(args, "--memory="+strconv.FormatInt(memory, 10))
	}
	return args
}

func (m *RayManager) run(ctx context.Context, script string) *model.RayNodeResult {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	out, err := m.runner.Run(ctx, script)
	if err != nil {
		res := &model.RayNodeResult{ExitCode: -1, ErrorMessage: err.Error()}
		if out != nil {
			res.Output = out.Output
		}
		return res
	}
	res := &model.RayNodeResult{Success: out.Success(), ExitCode: out.ExitCode, Output: out.Output}
	if !res.Success {
		res.ErrorMessage = fmt.Sprintf("ray start exited with code %d", out.ExitCode)
	}
	return res
}

func (m *RayManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// NormalizeClusterAddress 去掉 ray:// 前缀，得到 GCS 地址 host:port
func NormalizeClusterAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "ray://")
	return strings.TrimSuffix(addr, "/")
}

// ParseActiveNodes 统计 `ray status` 输出中 Active 段的节点数
//
//	Active:
//	 1 node_3f2a...
//	 2 node_9c1b...
//	Pending:
func ParseActiveNodes(out string) int {
	count := 0
	inActive := false
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "Active:" {
			inActive = true
			continue
		}
		if !inActive {
			continue
		}
		if trimmed == "" || !strings.HasPrefix(line, " ") {
			break
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "node_") {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		count += n
	}
	return count
}
