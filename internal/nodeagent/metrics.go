package nodeagent

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 节点代理指标
//
// 所有方法对 nil 接收者安全，组件可以在未启用指标时直接调用。
type Metrics struct {
	// 接口调用指标
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// 模型下载指标
	DownloadBytes prometheus.Counter
	DownloadFiles *prometheus.CounterVec

	// 推理服务指标
	ServiceLaunches *prometheus.CounterVec
	ServicesRunning prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics 创建指标实例并注册到默认 Registry
func NewMetrics(namespace, nodeID string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace, nodeID)
}

// NewMetricsWith 注册到指定 Registry（测试使用独立 Registry）
func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "operations_total",
				Help:        "Total agent operations",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "operation_duration_seconds",
				Help:        "Agent operation duration in seconds",
				Buckets:     []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		DownloadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "download_bytes_total",
				Help:        "Total bytes of model files downloaded",
				ConstLabels: labels,
			},
		),
		DownloadFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "download_files_total",
				Help:        "Model files processed by result",
				ConstLabels: labels,
			},
			[]string{"result"}, // downloaded | skipped
		),
		ServiceLaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "service_launches_total",
				Help:        "Inference service launches by engine and outcome",
				ConstLabels: labels,
			},
			[]string{"engine", "status"},
		),
		ServicesRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "services_running",
				Help:        "Number of inference services started by this agent",
				ConstLabels: labels,
			},
		),
		gatherer: gatherer,
	}
}

// Handler 返回 Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordOperation 记录一次接口调用
func (m *Metrics) RecordOperation(operation string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) fileDownloaded(n int64) {
	if m == nil {
		return
	}
	m.DownloadBytes.Add(float64(n))
	m.DownloadFiles.WithLabelValues("downloaded").Inc()
}

func (m *Metrics) fileSkipped() {
	if m == nil {
		return
	}
	m.DownloadFiles.WithLabelValues("skipped").Inc()
}

func (m *Metrics) serviceLaunched(engine, status string, running int) {
	if m == nil {
		return
	}
	m.ServiceLaunches.WithLabelValues(engine, status).Inc()
	m.ServicesRunning.Set(float64(running))
}
