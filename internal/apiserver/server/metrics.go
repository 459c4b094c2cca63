package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ray-deployer/internal/apiserver/deploy"
	"ray-deployer/internal/shared/model"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 部署指标
	DeploymentsTotal   *prometheus.CounterVec
	DeploymentDuration *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
}

// NewMetrics 创建指标实例并注册到默认 Registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith 创建指标实例并注册到指定 Registry（测试使用独立 Registry）
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		DeploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Finished deployments by terminal status",
			},
			[]string{"status"},
		),
		DeploymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "End-to-end deployment duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Deployment stage duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage", "status"},
		),
		WSConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
		WSMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "WebSocket messages sent",
			},
			[]string{"type"},
		),
	}
}

var _ deploy.Recorder = (*Metrics)(nil)

// ObserveStage 记录单个阶段耗时
func (m *Metrics) ObserveStage(stage string, status model.StepStatus, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, string(status)).Observe(d.Seconds())
}

// ObserveDeployment 记录部署终态
func (m *Metrics) ObserveDeployment(status model.DeploymentStatus, d time.Duration) {
	m.DeploymentsTotal.WithLabelValues(string(status)).Inc()
	m.DeploymentDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径，将部署 ID 替换为占位符
func normalizePath(path string) string {
	const prefix = "/api/v1/deployments/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return prefix + "{id}"
	}
	return path
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordWSMessage 记录 WebSocket 消息
func (m *Metrics) RecordWSMessage(msgType string) {
	m.WSMessagesTotal.WithLabelValues(msgType).Inc()
}

// WSConnectionOpened WebSocket 连接数 +1
func (m *Metrics) WSConnectionOpened() {
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接数 -1
func (m *Metrics) WSConnectionClosed() {
	m.WSConnectionsActive.Dec()
}
