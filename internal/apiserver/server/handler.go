package server

import (
	"net/http"
	"time"

	"ray-deployer/internal/apiserver/deploy"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 部署 (Deployment):
//   - POST /deploy                       - 同步部署，返回终态结果
//   - POST /api/v1/deployments           - 创建部署（?async=true 立即返回 202）
//   - GET  /api/v1/deployments           - 列出部署（status/limit/offset）
//   - GET  /api/v1/deployments/{id}      - 获取部署详情
//   - GET  /api/v1/openapi.json          - 接口定义
//
// WebSocket:
//   - GET /ws/deployments/{id}/steps     - 部署步骤实时推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	deployHandler := deploy.NewHandler(h.deployments, h.log)
	deployHandler.RegisterRoutes(mux)

	var api http.Handler = mux
	if h.validator != nil {
		api = h.validator.Middleware(api)
	}
	if h.metrics != nil {
		api = h.metrics.MetricsMiddleware(api)
	}
	api = h.requestLog(api)
	api = corsMiddleware(api)

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/deployments/{id}/steps", h.gateway.HandleWebSocket)
	topMux.Handle("/", api)
	return topMux
}

// requestLog 记录每个请求的方法、路径、状态码与耗时
func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		h.log.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
