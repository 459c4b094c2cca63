package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// 环境检查阶段状态
const CheckCompleted = "COMPLETED"

// Prober 节点环境探测
type Prober struct {
	client  NodeClient
	pool    *Pool
	timeout time.Duration
	log     *logging.Logger
}

// NewProber 创建探测器
func NewProber(client NodeClient, pool *Pool, timeout time.Duration, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.Discard()
	}
	return &Prober{client: client, pool: pool, timeout: timeout, log: log}
}

// Probe 探测全部请求节点
//
// 结果与 nodeIDs 一一对应：未解析的节点为 NOT_FOUND，调用失败为 ERROR。
// 单个节点慢或不可达不会影响其他节点，也不会使整批失败。
func (p *Prober) Probe(ctx context.Context, nodeIDs []string, handles map[string]model.NodeHandle) *model.EnvCheckReport {
	start := time.Now()

	infos := Map(ctx, p.pool, len(nodeIDs), func(ctx context.Context, i int) *model.NodeEnvironmentInfo {
		id := nodeIDs[i]
		handle, ok := handles[id]
		if !ok {
			return &model.NodeEnvironmentInfo{
				NodeID:    id,
				Status:    model.EnvNotFound,
				Error:     "node not found in registry",
				CheckedAt: time.Now(),
			}
		}
		return p.probeOne(ctx, handle)
	})

	report := &model.EnvCheckReport{
		CheckID:     uuid.NewString(),
		Status:      CheckCompleted,
		TotalNodes:  len(nodeIDs),
		NodeInfos:   infos,
		DurationSec: time.Since(start).Seconds(),
	}
	for _, info := range infos {
		if info.Online() {
			report.OnlineNodes++
		}
	}
	report.OfflineNodes = report.TotalNodes - report.OnlineNodes
	report.Summary = Summarize(infos)
	return report
}

func (p *Prober) probeOne(ctx context.Context, node model.NodeHandle) *model.NodeEnvironmentInfo {
	callCtx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	begin := time.Now()
	info, err := p.client.CheckEnvironment(callCtx, node)
	timed(p.log, node.NodeID, "check-environment", begin, err)
	if err != nil {
		return &model.NodeEnvironmentInfo{
			NodeID:    node.NodeID,
			IPAddress: node.Host,
			Status:    model.EnvError,
			Error:     callErrorText(err, p.timeout),
			CheckedAt: time.Now(),
		}
	}

	snapshot := *info
	snapshot.NodeID = node.NodeID
	if snapshot.Status == "" {
		snapshot.Status = model.EnvOnline
	}
	if snapshot.IPAddress == "" {
		snapshot.IPAddress = node.Host
	}
	if snapshot.CheckedAt.IsZero() {
		snapshot.CheckedAt = time.Now()
	}
	return &snapshot
}

// Summarize 汇总在线节点的资源与就绪情况
//
// 推荐主节点：GPU 数量最多的在线节点，数量相同取先出现者；
// 全部节点都没有 GPU 时取第一个在线节点。
func Summarize(infos []*model.NodeEnvironmentInfo) model.EnvironmentSummary {
	var s model.EnvironmentSummary
	online := 0
	maxGPUs := 0
	firstOnline := ""

	for _, info := range infos {
		if !info.Online() {
			continue
		}
		online++
		if firstOnline == "" {
			firstOnline = info.NodeID
		}
		if info.PythonInstalled {
			s.PythonReadyNodes++
		}
		if info.RayInstalled {
			s.RayReadyNodes++
		}
		if info.CPU != nil {
			s.TotalCPUCores += info.CPU.LogicalCores
		}
		if info.Memory != nil {
			s.TotalMemoryMB += info.Memory.TotalMemoryMB
			s.AvailableMemoryMB += info.Memory.FreeMemoryMB
		}
		if info.Disk != nil {
			s.TotalDiskGB += info.Disk.TotalDiskGB
			s.AvailableDiskGB += info.Disk.FreeDiskGB
		}
		if n := len(info.GPUs); n > 0 {
			s.GPUAvailableNodes++
			s.TotalGPUCount += n
			for _, gpu := range info.GPUs {
				if gpu.Available() {
					s.AvailableGPUCount++
				}
				s.TotalGPUMemoryMB += gpu.TotalMemoryMB
				s.AvailableGPUMemoryMB += gpu.FreeMemoryMB
			}
			if n > maxGPUs {
				maxGPUs = n
				s.RecommendedMaster = info.NodeID
			}
		}
	}

	if s.RecommendedMaster == "" {
		s.RecommendedMaster = firstOnline
	}
	if online > 0 {
		s.PassRate = float64(s.PythonReadyNodes) / float64(online) * 100
	}
	s.ClusterReady = online >= 1 && s.PythonReadyNodes >= 1
	return s
}
