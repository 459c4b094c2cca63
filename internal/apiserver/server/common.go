// Package server 提供部署编排器的 HTTP 入口
//
// 文件组织：
//   - common.go: Handler 定义与通用工具函数
//   - handler.go: 路由与中间件
//   - websocket.go: 部署步骤实时推送
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ray-deployer/internal/apiserver/deploy"
	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/pkg/logging"
)

// HealthCheck 依赖健康检查（存储、缓存等）
type HealthCheck func(ctx context.Context) error

// Handler API 处理器
//
// 依赖说明：
//   - deployments: 部署编排（同步/异步部署、查询）
//   - events: 部署步骤事件总线（WebSocket 推送）
//   - metrics: Prometheus 指标，同时作为编排器的 Recorder
type Handler struct {
	deployments deploy.Service
	events      eventbus.DeploymentEventBus
	validator   *deploy.RequestValidator
	metrics     *Metrics
	gateway     *StepGateway
	checks      map[string]HealthCheck
	log         *logging.Logger
}

// NewHandler 创建 Handler 实例
//
// validator 为 nil 时不做 OpenAPI 请求校验（请求体仍由 DeploymentRequest.Validate 兜底）。
func NewHandler(svc deploy.Service, events eventbus.DeploymentEventBus, metrics *Metrics, validator *deploy.RequestValidator, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	h := &Handler{
		deployments: svc,
		events:      events,
		validator:   validator,
		metrics:     metrics,
		checks:      map[string]HealthCheck{},
		log:         log,
	}
	h.gateway = NewStepGateway(svc, events, metrics, log)
	return h
}

// AddHealthCheck 注册依赖健康检查
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	if check != nil {
		h.checks[name] = check
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 任一依赖检查失败时返回 503，响应中列出各依赖状态。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": overall, "dependencies": deps})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
