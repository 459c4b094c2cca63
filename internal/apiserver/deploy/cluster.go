package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ray-deployer/internal/config"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// HeadStartError 头节点启动失败
//
// Error() 原样返回节点上捕获的命令输出，便于直接定位问题。
type HeadStartError struct {
	NodeID   string
	ExitCode int
	Output   string
}

func (e *HeadStartError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	return fmt.Sprintf("ray head on %s exited with code %d", e.NodeID, e.ExitCode)
}

// ClusterFormer Ray 集群组建
//
// 状态流转：FORMING → 头节点启动 → 工作节点加入 → 健康检查 → READY；
// 只有头节点启动失败才会进入 FAILED。
type ClusterFormer struct {
	client NodeClient
	pool   *Pool
	cfg    config.DeployConfig
	log    *logging.Logger
}

// NewClusterFormer 创建集群组建器
func NewClusterFormer(client NodeClient, pool *Pool, cfg config.DeployConfig, log *logging.Logger) *ClusterFormer {
	if log == nil {
		log = logging.Discard()
	}
	return &ClusterFormer{client: client, pool: pool, cfg: cfg, log: log}
}

// Form 在 master 上启动头节点，并让 workers 并发加入
func (f *ClusterFormer) Form(ctx context.Context, req *model.DeploymentRequest, master model.NodeHandle, workers []model.NodeHandle) (*model.ClusterContext, error) {
	cc := &model.ClusterContext{
		MasterNode:  master.NodeID,
		WorkerNodes: []string{},
		TotalNodes:  1,
		Status:      model.ClusterForming,
	}

	addr, err := f.startHead(ctx, req, master)
	if err != nil {
		cc.Status = model.ClusterFailed
		cc.Note = err.Error()
		return cc, err
	}
	cc.ClusterAddress = addr

	if f.cfg.HeadSettleDelay > 0 {
		select {
		case <-time.After(f.cfg.HeadSettleDelay):
		case <-ctx.Done():
			cc.Status = model.ClusterFailed
			return cc, fmt.Errorf("cluster formation cancelled: %w", ctx.Err())
		}
	}

	var notes []string
	if len(workers) > 0 {
		joined, failed := f.joinWorkers(ctx, req, addr, workers)
		cc.WorkerNodes = joined
		cc.FailedWorkers = failed
		cc.TotalNodes += len(joined)
		if len(joined) == 0 {
			cc.Degraded = true
			notes = append(notes, fmt.Sprintf("no worker joined (0/%d); running as single-node cluster", len(workers)))
		} else if len(failed) > 0 {
			cc.Degraded = true
			notes = append(notes, fmt.Sprintf("%d/%d workers joined", len(joined), len(workers)))
		}
	}

	expected := 1 + len(workers)
	health := f.verifyHealth(ctx, master, addr, expected)
	cc.Health = health
	cc.Healthy = health.Error == "" && health.Status == model.ClusterHealthy && health.NodeCount >= expected
	if !cc.Healthy {
		warn := fmt.Sprintf("health check: status=%s nodes=%d/%d", health.Status, health.NodeCount, expected)
		if health.Error != "" {
			warn += " error=" + health.Error
		}
		notes = append(notes, warn)
		f.log.Warn("Cluster health shortfall", "master", master.NodeID, "detail", warn)
	}

	cc.Status = model.ClusterReady
	cc.Note = strings.Join(notes, "; ")
	return cc, nil
}

// startHead 同步启动头节点，返回集群地址
func (f *ClusterFormer) startHead(ctx context.Context, req *model.DeploymentRequest, master model.NodeHandle) (string, error) {
	callCtx, cancel := withTimeout(ctx, f.cfg.HeadStartTimeout)
	defer cancel()

	begin := time.Now()
	res, err := f.client.StartHead(callCtx, master, model.NewStartHeadRequest(req.EngineConfig))
	timed(f.log, master.NodeID, "start-head", begin, err)
	if err != nil {
		return "", fmt.Errorf("failed to start ray head on %s: %s", master.NodeID, callErrorText(err, f.cfg.HeadStartTimeout))
	}
	if !res.Success || res.ExitCode != 0 {
		out := res.Output
		if out == "" {
			out = res.ErrorMessage
		}
		return "", &HeadStartError{NodeID: master.NodeID, ExitCode: res.ExitCode, Output: out}
	}

	if res.ClusterAddress != "" {
		return res.ClusterAddress, nil
	}
	return fmt.Sprintf("ray://%s:%d", master.Host, model.DefaultRayPort), nil
}

// joinOutcome 阶段内累加器
type joinOutcome struct {
	mu     sync.Mutex
	joined map[string]bool
	failed map[string]string
}

func (o *joinOutcome) record(nodeID string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, done := o.joined[nodeID]; done {
		return
	}
	if _, done := o.failed[nodeID]; done {
		return
	}
	if reason == "" {
		o.joined[nodeID] = true
	} else {
		o.failed[nodeID] = reason
	}
}

// joinWorkers 并发加入工作节点
//
// 先整体等待 JoinBarrier，之后对每个未完成的调用再等待 JoinCollect；
// 仍未完成的记为超时并取消。
func (f *ClusterFormer) joinWorkers(ctx context.Context, req *model.DeploymentRequest, addr string, workers []model.NodeHandle) ([]string, []model.NodeFailure) {
	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := &joinOutcome{joined: map[string]bool{}, failed: map[string]string{}}
	body := model.JoinClusterRequest{
		ClusterAddress: addr,
		NumCPUs:        req.EngineConfig.NumCPUs,
		NumGPUs:        req.EngineConfig.NumGPUs,
		Memory:         req.EngineConfig.Memory.Bytes(),
	}

	futures := make([]*Future[struct{}], len(workers))
	for i, w := range workers {
		w := w
		futures[i] = Submit(joinCtx, f.pool, func(ctx context.Context) (struct{}, error) {
			outcome.record(w.NodeID, f.joinOne(ctx, w, body))
			return struct{}{}, nil
		})
	}

	barrier := time.NewTimer(f.cfg.JoinBarrier)
	defer barrier.Stop()
	allDone := make(chan struct{})
	go func() {
		for _, fu := range futures {
			<-fu.Done()
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-barrier.C:
		for i, fu := range futures {
			waitCtx, waitCancel := context.WithTimeout(ctx, f.cfg.JoinCollect)
			_, err := fu.Wait(waitCtx)
			waitCancel()
			if err != nil {
				outcome.record(workers[i].NodeID, fmt.Sprintf("join timed out after %s", f.cfg.JoinBarrier+f.cfg.JoinCollect))
			}
		}
	case <-ctx.Done():
		for _, w := range workers {
			outcome.record(w.NodeID, ctx.Err().Error())
		}
	}

	outcome.mu.Lock()
	defer outcome.mu.Unlock()
	var joined []string
	var failed []model.NodeFailure
	for _, w := range workers {
		if outcome.joined[w.NodeID] {
			joined = append(joined, w.NodeID)
		} else if reason, ok := outcome.failed[w.NodeID]; ok {
			failed = append(failed, model.NodeFailure{NodeID: w.NodeID, Reason: reason})
		}
	}
	if joined == nil {
		joined = []string{}
	}
	return joined, failed
}

// joinOne 单个工作节点加入，成功返回空字符串，否则返回失败原因
func (f *ClusterFormer) joinOne(ctx context.Context, node model.NodeHandle, body model.JoinClusterRequest) string {
	callCtx, cancel := withTimeout(ctx, f.cfg.JoinTimeout)
	defer cancel()

	begin := time.Now()
	res, err := f.client.JoinCluster(callCtx, node, body)
	timed(f.log, node.NodeID, "join-cluster", begin, err)
	if err != nil {
		return callErrorText(err, f.cfg.JoinTimeout)
	}
	if !res.Success || res.ExitCode != 0 {
		if res.ErrorMessage != "" {
			return res.ErrorMessage
		}
		if res.Output != "" {
			return res.Output
		}
		return fmt.Sprintf("ray start exited with code %d", res.ExitCode)
	}
	return ""
}

// verifyHealth 查询主节点集群状态；失败只作为警告
func (f *ClusterFormer) verifyHealth(ctx context.Context, master model.NodeHandle, addr string, expected int) *model.ClusterHealth {
	callCtx, cancel := withTimeout(ctx, f.cfg.HealthTimeout)
	defer cancel()

	health := &model.ClusterHealth{ExpectedNodes: expected}
	begin := time.Now()
	res, err := f.client.ClusterStatus(callCtx, master, model.ClusterStatusRequest{ClusterAddress: addr})
	timed(f.log, master.NodeID, "cluster-status", begin, err)
	if err != nil {
		health.Status = model.ClusterUnhealthy
		health.Error = callErrorText(err, f.cfg.HealthTimeout)
		return health
	}
	health.Status = res.Status
	health.NodeCount = res.NodeCount
	health.RayVersion = res.RayVersion
	health.Error = res.ErrorMessage
	return health
}
