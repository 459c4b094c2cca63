package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// ReasonNodeOffline 探测失败或离线节点的安装失败原因
const ReasonNodeOffline = "node offline"

// Installer 节点环境安装
type Installer struct {
	client  NodeClient
	pool    *Pool
	timeout time.Duration
	log     *logging.Logger
}

// NewInstaller 创建安装器
func NewInstaller(client NodeClient, pool *Pool, timeout time.Duration, log *logging.Logger) *Installer {
	if log == nil {
		log = logging.Discard()
	}
	return &Installer{client: client, pool: pool, timeout: timeout, log: log}
}

// PlanFor 根据探测结果生成安装计划
//
// Python 缺失时安装 Miniconda，Ray 缺失时安装 Ray，引擎依赖总是安装（幂等）。
func PlanFor(info *model.NodeEnvironmentInfo) model.InstallRequest {
	return model.InstallRequest{
		InstallMiniconda:    !info.PythonInstalled,
		InstallRay:          !info.RayInstalled,
		InstallModelEngines: true,
	}
}

// installOutcome 阶段内累加器：并发写入，阶段结束后一次性读出
type installOutcome struct {
	mu        sync.Mutex
	success   []string
	failed    []model.NodeFailure
	miniconda atomic.Int32
	ray       atomic.Int32
	engines   atomic.Int32
}

func (o *installOutcome) ok(nodeID string) {
	o.mu.Lock()
	o.success = append(o.success, nodeID)
	o.mu.Unlock()
}

func (o *installOutcome) fail(nodeID, reason string) {
	o.mu.Lock()
	o.failed = append(o.failed, model.NodeFailure{NodeID: nodeID, Reason: reason})
	o.mu.Unlock()
}

// Install 按探测结果对每个节点发起一次安装调用（不重试）
//
// 探测失败或离线的节点不会被调用，直接记为 "node offline"。
// 成功/失败列表按请求顺序输出，与完成顺序无关。
func (in *Installer) Install(ctx context.Context, handles map[string]model.NodeHandle, probe *model.EnvCheckReport) *model.InstallReport {
	start := time.Now()
	outcome := &installOutcome{}
	infos := probe.NodeInfos

	Map(ctx, in.pool, len(infos), func(ctx context.Context, i int) struct{} {
		info := infos[i]
		handle, resolved := handles[info.NodeID]
		if !info.Online() || !resolved {
			outcome.fail(info.NodeID, ReasonNodeOffline)
			return struct{}{}
		}
		in.installOne(ctx, handle, PlanFor(info), outcome)
		return struct{}{}
	})

	report := &model.InstallReport{
		TotalNodes:               len(infos),
		SuccessNodes:             orderByProbe(outcome.success, infos),
		FailedNodes:              orderFailures(outcome.failed, infos),
		MinicondaInstallCount:    int(outcome.miniconda.Load()),
		RayInstallCount:          int(outcome.ray.Load()),
		ModelEnginesInstallCount: int(outcome.engines.Load()),
		DurationSec:              time.Since(start).Seconds(),
	}
	if len(report.FailedNodes) == 0 {
		report.Status = model.InstallSuccess
	} else {
		report.Status = model.InstallPartialSuccess
	}
	report.Message = fmt.Sprintf("%d/%d nodes installed", len(report.SuccessNodes), report.TotalNodes)
	if report.SuccessNodes == nil {
		report.SuccessNodes = []string{}
	}
	if report.FailedNodes == nil {
		report.FailedNodes = []model.NodeFailure{}
	}
	return report
}

func (in *Installer) installOne(ctx context.Context, node model.NodeHandle, plan model.InstallRequest, outcome *installOutcome) {
	callCtx, cancel := withTimeout(ctx, in.timeout)
	defer cancel()

	begin := time.Now()
	res, err := in.client.InstallEnvironment(callCtx, node, plan)
	timed(in.log, node.NodeID, "install-environment", begin, err)
	if err != nil {
		outcome.fail(node.NodeID, callErrorText(err, in.timeout))
		return
	}
	if !res.Success {
		reason := res.ErrorMessage
		if reason == "" {
			reason = "install failed"
		}
		outcome.fail(node.NodeID, reason)
		return
	}

	if plan.InstallMiniconda && res.MinicondaInstalled {
		outcome.miniconda.Add(1)
	}
	if plan.InstallRay && res.RayInstalled {
		outcome.ray.Add(1)
	}
	if plan.InstallModelEngines && res.ModelEnginesInstalled {
		outcome.engines.Add(1)
	}
	outcome.ok(node.NodeID)
}

func orderByProbe(ids []string, infos []*model.NodeEnvironmentInfo) []string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	var out []string
	for _, info := range infos {
		if set[info.NodeID] {
			out = append(out, info.NodeID)
		}
	}
	return out
}

func orderFailures(failures []model.NodeFailure, infos []*model.NodeEnvironmentInfo) []model.NodeFailure {
	byID := make(map[string]model.NodeFailure, len(failures))
	for _, f := range failures {
		byID[f.NodeID] = f
	}
	var out []model.NodeFailure
	for _, info := range infos {
		if f, ok := byID[info.NodeID]; ok {
			out = append(out, f)
		}
	}
	return out
}
