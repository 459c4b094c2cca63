package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ray-deployer/internal/config"
	"ray-deployer/internal/registry"
	"ray-deployer/internal/shared/cache"
	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/model"
	"ray-deployer/internal/shared/storage"
	"ray-deployer/pkg/logging"
)

// persistTimeout 持久化/缓存/事件写入的超时，与工作流 ctx 无关
const persistTimeout = 10 * time.Second

// ErrNoMaster 请求的节点都无法在注册中心解析
var ErrNoMaster = errors.New("no resolvable master node")

// Recorder 部署指标记录（由 server.Metrics 实现）
type Recorder interface {
	ObserveStage(stage string, status model.StepStatus, d time.Duration)
	ObserveDeployment(status model.DeploymentStatus, d time.Duration)
}

// Orchestrator 部署工作流编排器
//
// 每次部署创建独立的 Pool 与 workflow；DeploymentResponse 只由工作流协程写入，
// 对外只发布 Clone 后的快照。
type Orchestrator struct {
	dir    registry.Directory
	client NodeClient
	cfg    config.DeployConfig
	log    *logging.Logger

	store   storage.DeploymentStore
	cache   cache.DeploymentStateCache
	events  eventbus.DeploymentEventBus
	metrics Recorder

	inflight sync.Map // deploymentID -> *model.DeploymentResponse（快照）
	running  sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithStore 部署记录持久化
func WithStore(s storage.DeploymentStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithCache 进行中部署的快照缓存
func WithCache(c cache.DeploymentStateCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithEventBus 步骤事件发布
func WithEventBus(b eventbus.DeploymentEventBus) Option {
	return func(o *Orchestrator) { o.events = b }
}

// WithRecorder 指标记录
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithLogger 指定日志
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(dir registry.Directory, client NodeClient, cfg config.DeployConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:    dir,
		client: client,
		cfg:    cfg,
		log:    logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Deploy 同步执行完整部署，返回终态结果
//
// 只有请求校验失败时返回 error（包装 model.ErrInvalidRequest）；
// 工作流内的失败体现在返回结果的 Status/Error 中。
func (o *Orchestrator) Deploy(ctx context.Context, req *model.DeploymentRequest) (*model.DeploymentResponse, error) {
	wf, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	o.running.Add(1)
	defer o.running.Done()
	return wf.run(ctx), nil
}

// Submit 异步执行部署，立即返回 IN_PROGRESS 快照
func (o *Orchestrator) Submit(req *model.DeploymentRequest) (*model.DeploymentResponse, error) {
	wf, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	snapshot := wf.resp.Clone()

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		wf.run(o.baseCtx)
	}()
	return snapshot, nil
}

// Get 查询部署：进行中快照 → 缓存 → 持久化存储
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	if v, ok := o.inflight.Load(id); ok {
		return v.(*model.DeploymentResponse).Clone(), nil
	}
	if o.cache != nil {
		d, err := o.cache.GetDeploymentState(ctx, id)
		if err != nil {
			o.log.Warn("Deployment cache read failed", "deployment_id", id, "error", err)
		} else if d != nil {
			return d, nil
		}
	}
	if o.store == nil {
		return nil, storage.ErrNotFound
	}
	return o.store.GetDeployment(ctx, id)
}

// List 列出部署记录
func (o *Orchestrator) List(ctx context.Context, filter storage.DeploymentFilter) ([]*model.DeploymentResponse, int, error) {
	if o.store != nil {
		return o.store.ListDeployments(ctx, filter)
	}
	filter.Normalize()
	items := []*model.DeploymentResponse{}
	o.inflight.Range(func(_, v any) bool {
		d := v.(*model.DeploymentResponse)
		if filter.Status == "" || d.Status == filter.Status {
			items = append(items, d.Clone())
		}
		return true
	})
	return items, len(items), nil
}

// Shutdown 取消异步部署并等待全部工作流结束
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare 校验请求并创建部署记录
func (o *Orchestrator) prepare(in *model.DeploymentRequest) (*workflow, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: empty request", model.ErrInvalidRequest)
	}
	req := *in
	req.NodeIDs = append([]string(nil), in.NodeIDs...)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := o.now()
	resp := &model.DeploymentResponse{
		DeploymentID: uuid.NewString(),
		ModelName:    req.ModelName,
		Status:       model.DeploymentInProgress,
		Steps:        []model.DeploymentStep{},
		Request:      &req,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	wf := &workflow{
		o:     o,
		req:   &req,
		resp:  resp,
		pool:  NewPool(o.cfg.PoolSize),
		log:   o.log.WithDeploymentID(resp.DeploymentID),
		start: now,
	}

	o.inflight.Store(resp.DeploymentID, resp.Clone())
	if o.store != nil {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.store.CreateDeployment(pctx, resp); err != nil {
			wf.log.Warn("Failed to persist deployment record", "error", err)
		}
	}
	return wf, nil
}

// ============================================================================
// workflow - 单次部署的执行上下文
// ============================================================================

type workflow struct {
	o     *Orchestrator
	req   *model.DeploymentRequest
	resp  *model.DeploymentResponse
	pool  *Pool
	log   *logging.Logger
	start time.Time

	stageStart time.Time
	stageLog   *logging.Logger // 当前阶段的日志器（带 stage 字段）
}

// run 依次执行各阶段，遇到致命错误立即终止
func (w *workflow) run(ctx context.Context) *model.DeploymentResponse {
	o := w.o
	w.log.Info("Deployment started", "model", w.req.ModelName, "nodes", w.req.NodeIDs)

	handles := registry.Lookup(ctx, o.dir, w.req.NodeIDs)
	master, hasMaster := w.selectMaster(handles)

	// env-check
	w.begin(model.StepEnvCheck)
	if w.cancelled(ctx) {
		return w.finish()
	}
	prober := NewProber(o.client, w.pool, o.cfg.ProbeTimeout, w.stageLog)
	probe := prober.Probe(ctx, w.req.NodeIDs, handles)
	if probe.OfflineNodes > 0 {
		w.log.StageLog("degraded", w.resp.DeploymentID, model.StepEnvCheck,
			"online", probe.OnlineNodes, "offline", probe.OfflineNodes)
	}
	w.complete(probe)

	// env-install
	w.begin(model.StepEnvInstall)
	if w.cancelled(ctx) {
		return w.finish()
	}
	installer := NewInstaller(o.client, w.pool, o.cfg.InstallTimeout, w.stageLog)
	install := installer.Install(ctx, handles, probe)
	if hasMaster {
		if f, failed := install.Failure(master.NodeID); failed {
			w.fail(fmt.Errorf("master node %s install failed: %s", master.NodeID, f.Reason), install)
			return w.finish()
		}
	}
	if len(install.FailedNodes) > 0 {
		w.log.StageLog("degraded", w.resp.DeploymentID, model.StepEnvInstall, "failed", len(install.FailedNodes))
	}
	w.complete(install)

	// cluster-create
	w.begin(model.StepClusterCreate)
	if w.cancelled(ctx) {
		return w.finish()
	}
	if !hasMaster {
		w.fail(fmt.Errorf("%w among %v", ErrNoMaster, w.req.NodeIDs), nil)
		return w.finish()
	}
	workers := w.selectWorkers(handles, master, install)
	former := NewClusterFormer(o.client, w.pool, o.cfg, w.stageLog)
	cluster, err := former.Form(ctx, w.req, master, workers)
	if err != nil {
		w.fail(err, cluster)
		return w.finish()
	}
	w.resp.ClusterAddress = cluster.ClusterAddress
	if cluster.Degraded || !cluster.Healthy {
		w.log.StageLog("degraded", w.resp.DeploymentID, model.StepClusterCreate, "note", cluster.Note)
	}
	w.complete(cluster)

	// model-download
	w.begin(model.StepModelDownload)
	if w.cancelled(ctx) {
		return w.finish()
	}
	stager := NewStager(o.client, o.cfg.DownloadTimeout, w.stageLog)
	staged, err := stager.Stage(ctx, master, w.req)
	if err != nil {
		w.fail(err, nil)
		return w.finish()
	}
	if staged.IsDegraded() {
		w.log.StageLog("degraded", w.resp.DeploymentID, model.StepModelDownload, "note", staged.Degraded.Note)
	}
	w.complete(staged)

	// rayLLM-launch
	w.begin(model.StepServingLaunch)
	if w.cancelled(ctx) {
		return w.finish()
	}
	launcher := NewLauncher(o.client, o.cfg.LaunchTimeout, w.stageLog)
	launched, err := launcher.Launch(ctx, master, cluster, w.req, staged.ModelPath())
	if err != nil {
		w.fail(err, launched)
		return w.finish()
	}
	w.resp.ServiceEndpoint = launched.ServiceEndpoint
	if w.resp.ServiceEndpoint == "" {
		w.resp.ServiceEndpoint = fmt.Sprintf("http://%s:%d", master.Host, DefaultServingPort)
	}
	w.complete(launched)

	w.resp.Status = model.DeploymentCompleted
	return w.finish()
}

// DefaultServingPort 节点未返回服务地址时使用的推理服务端口
const DefaultServingPort = 8000

// selectMaster 请求顺序中第一个可解析的节点
func (w *workflow) selectMaster(handles map[string]model.NodeHandle) (model.NodeHandle, bool) {
	for _, id := range w.req.NodeIDs {
		if h, ok := handles[id]; ok {
			return h, true
		}
	}
	return model.NodeHandle{}, false
}

// selectWorkers 除主节点外已解析且安装成功的节点，保持请求顺序
func (w *workflow) selectWorkers(handles map[string]model.NodeHandle, master model.NodeHandle, install *model.InstallReport) []model.NodeHandle {
	var workers []model.NodeHandle
	for _, id := range w.req.NodeIDs {
		h, ok := handles[id]
		if !ok || id == master.NodeID {
			continue
		}
		if _, failed := install.Failure(id); failed {
			w.log.Warn("Skipping worker after failed install", "node", id)
			continue
		}
		workers = append(workers, h)
	}
	return workers
}

// cancelled ctx 已结束时将当前步骤标记为失败
func (w *workflow) cancelled(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		w.fail(fmt.Errorf("deployment cancelled: %w", err), nil)
		return true
	}
	return false
}

// begin 进入阶段：追加 IN_PROGRESS 步骤
func (w *workflow) begin(stage string) {
	w.stageStart = w.o.now()
	w.stageLog = w.log.WithStage(stage)
	w.resp.Steps = append(w.resp.Steps, model.DeploymentStep{
		Name:      stage,
		Status:    model.StepInProgress,
		Timestamp: w.stageStart,
	})
	w.log.StageLog("started", w.resp.DeploymentID, stage)
	w.publish(eventbus.EventStep)
}

// complete 结束阶段：当前步骤标记为 COMPLETED 并写入详情
func (w *workflow) complete(details any) {
	step := w.resp.LastStep()
	step.Status = model.StepCompleted
	step.Details = encodeDetails(details)
	elapsed := w.o.now().Sub(w.stageStart)
	w.log.StageLog("completed", w.resp.DeploymentID, step.Name, "duration_ms", elapsed.Milliseconds())
	w.observeStage(step.Name, model.StepCompleted, elapsed)
	w.publish(eventbus.EventStep)
}

// fail 当前步骤标记为 FAILED，部署进入终态
//
// 错误信息原样写入步骤与部署结果。
func (w *workflow) fail(err error, details any) {
	msg := err.Error()
	step := w.resp.LastStep()
	step.Status = model.StepFailed
	step.Error = msg
	step.Details = encodeDetails(details)
	w.resp.Status = model.DeploymentFailed
	w.resp.Error = msg

	elapsed := w.o.now().Sub(w.stageStart)
	w.log.StageLog("failed", w.resp.DeploymentID, step.Name, "error", msg)
	w.observeStage(step.Name, model.StepFailed, elapsed)
	w.publish(eventbus.EventStep)
}

// finish 写入终态：发布结束事件、持久化、清理进行中快照
func (w *workflow) finish() *model.DeploymentResponse {
	o := w.o
	total := o.now().Sub(w.start)
	w.log.WithDuration(total).Info("Deployment finished",
		"status", w.resp.Status,
		"steps", len(w.resp.Steps),
		"service_endpoint", w.resp.ServiceEndpoint)
	if o.metrics != nil {
		o.metrics.ObserveDeployment(w.resp.Status, total)
	}
	w.publish(eventbus.EventFinished)

	snapshot := w.resp.Clone()
	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := o.store.UpdateDeployment(ctx, snapshot)
		cancel()
		if err != nil {
			w.log.Error("Failed to persist deployment result", "error", err)
			return snapshot
		}
		o.inflight.Delete(snapshot.DeploymentID)
	}
	return snapshot
}

// publish 对外发布当前快照
func (w *workflow) publish(eventType string) {
	o := w.o
	w.resp.UpdatedAt = o.now()
	snapshot := w.resp.Clone()
	o.inflight.Store(snapshot.DeploymentID, snapshot)

	if o.cache == nil && o.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if o.cache != nil {
		if err := o.cache.SetDeploymentState(ctx, snapshot, o.cfg.StateTTL); err != nil {
			w.log.Warn("Failed to cache deployment state", "error", err)
		}
	}
	if o.events != nil {
		event := &eventbus.StepEvent{
			DeploymentID: snapshot.DeploymentID,
			Type:         eventType,
			Timestamp:    snapshot.UpdatedAt,
			Status:       snapshot.Status,
		}
		if last := snapshot.LastStep(); last != nil && eventType == eventbus.EventStep {
			event.Step = last
		}
		if err := o.events.PublishStepEvent(ctx, event); err != nil {
			w.log.Warn("Failed to publish step event", "error", err)
		}
	}
}

func (w *workflow) observeStage(stage string, status model.StepStatus, d time.Duration) {
	if w.o.metrics != nil {
		w.o.metrics.ObserveStage(stage, status, d)
	}
}

// encodeDetails 序列化步骤详情，nil 或序列化失败时返回 nil
func encodeDetails(details any) json.RawMessage {
	if details == nil {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil || string(data) == "null" {
		return nil
	}
	return data
}
