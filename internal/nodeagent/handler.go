package nodeagent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// ============================================================================
// 组件接口
// ============================================================================

// EnvironmentChecker 环境探测
type EnvironmentChecker interface {
	Check(ctx context.Context) *model.NodeEnvironmentInfo
}

// EnvironmentInstaller 环境安装
type EnvironmentInstaller interface {
	Install(ctx context.Context, req model.InstallRequest) *model.InstallResult
}

// ClusterManager Ray 节点管理
type ClusterManager interface {
	StartHead(ctx context.Context, req model.StartHeadRequest) *model.RayNodeResult
	JoinCluster(ctx context.Context, req model.JoinClusterRequest) *model.RayNodeResult
	ClusterStatus(ctx context.Context, req model.ClusterStatusRequest) *model.ClusterStatusResult
}

// ModelDownloader 模型下载
type ModelDownloader interface {
	Download(ctx context.Context, req model.DownloadRequest) *model.DownloadResult
}

// ServiceLauncher 推理服务启动
type ServiceLauncher interface {
	Launch(ctx context.Context, req model.LaunchRequest) *model.LaunchResult
}

// Components 处理器依赖的组件
type Components struct {
	Env        EnvironmentChecker
	Installer  EnvironmentInstaller
	Cluster    ClusterManager
	Downloader ModelDownloader
	Launcher   ServiceLauncher
}

// ============================================================================
// Handler
// ============================================================================

// Handler 节点代理 HTTP 处理器
//
// 业务失败（安装失败、下载 FAILED 等）仍以 success 包装返回，失败信息在 data 中；
// 只有请求本身不合法时才返回失败包装。
type Handler struct {
	nodeID  string
	c       Components
	metrics *Metrics
	log     *logging.Logger
}

// NewHandler 创建处理器
func NewHandler(nodeID string, c Components, metrics *Metrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{nodeID: nodeID, c: c, metrics: metrics, log: log}
}

// Router 构建路由
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("GET "+agentclient.PathCheckEnv, h.CheckEnvironment)
	mux.HandleFunc("POST "+agentclient.PathInstallEnv, handle(h, "install-environment", h.c.Installer.Install, installOK))
	mux.HandleFunc("POST "+agentclient.PathStartHead, handle(h, "start-head", h.c.Cluster.StartHead, rayOK))
	mux.HandleFunc("POST "+agentclient.PathJoinCluster, handle(h, "join-cluster", h.c.Cluster.JoinCluster, rayOK))
	mux.HandleFunc("POST "+agentclient.PathClusterStatus, handle(h, "cluster-status", h.c.Cluster.ClusterStatus, statusOK))
	mux.HandleFunc("POST "+agentclient.PathDownloadModel, handle(h, "download-model", h.c.Downloader.Download, downloadOK))
	mux.HandleFunc("POST "+agentclient.PathLaunchService, handle(h, "launch-rayLLM", h.c.Launcher.Launch, launchOK))

	return h.logRequests(mux)
}

// Health 存活检查
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "nodeId": h.nodeID})
}

// CheckEnvironment 环境探测
// GET /model/check-environment
func (h *Handler) CheckEnvironment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	info := h.c.Env.Check(r.Context())
	h.metrics.RecordOperation("check-environment", info.Status == model.EnvOnline, time.Since(start))
	writeJSON(w, http.StatusOK, model.OK(info, "environment checked"))
}

// handle 解码请求体、调用组件并包装结果
func handle[Req any, Resp any](h *Handler, op string, fn func(context.Context, Req) *Resp, ok func(*Resp) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.log.Warn("Invalid request body", "operation", op, "error", err)
			writeJSON(w, http.StatusBadRequest, model.Fail[*Resp](http.StatusBadRequest, "invalid request body: "+err.Error()))
			return
		}

		start := time.Now()
		resp := fn(r.Context(), req)
		succeeded := ok(resp)
		h.metrics.RecordOperation(op, succeeded, time.Since(start))
		if !succeeded {
			h.log.Warn("Operation reported failure", "operation", op, "duration", time.Since(start).String())
		}
		writeJSON(w, http.StatusOK, model.OK(resp, op+" completed"))
	}
}

func installOK(r *model.InstallResult) bool      { return r.Success }
func rayOK(r *model.RayNodeResult) bool          { return r.Success }
func statusOK(r *model.ClusterStatusResult) bool { return r.Status == model.ClusterHealthy }
func downloadOK(r *model.DownloadResult) bool    { return r.Status == model.RemoteSuccess }
func launchOK(r *model.LaunchResult) bool        { return r.Status == model.RemoteSuccess }

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}
		h.log.HTTPRequestLog(r.Method, r.URL.Path, rec.status, time.Since(start), clientIP)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
