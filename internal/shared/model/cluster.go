package model

// ============================================================================
// ClusterContext - Ray 集群上下文
// ============================================================================

// ClusterStatus 集群状态
type ClusterStatus string

const (
	ClusterForming ClusterStatus = "FORMING"
	ClusterReady   ClusterStatus = "READY"
	ClusterFailed  ClusterStatus = "FAILED"
)

// Ray 头节点默认端口
const (
	DefaultRayPort         = 6379
	DefaultDashboardPort   = 8265
	DefaultObjectStorePort = 6380
	DefaultGCSServerPort   = 6379
	DefaultMinWorkerPort   = 10002
	DefaultMaxWorkerPort   = 19999
)

// ClusterContext 集群组建结果
//
// 由集群组建阶段创建一次，之后只读，传递给模型下载和服务启动阶段。
type ClusterContext struct {
	ClusterAddress string         `json:"clusterAddress"`
	MasterNode     string         `json:"masterNode"`
	WorkerNodes    []string       `json:"workerNodes"`
	FailedWorkers  []NodeFailure  `json:"failedWorkers,omitempty"`
	TotalNodes     int            `json:"totalNodes"`
	Status         ClusterStatus  `json:"clusterStatus"`
	Healthy        bool           `json:"healthy"`
	Degraded       bool           `json:"degraded"`
	Health         *ClusterHealth `json:"health,omitempty"`
	Note           string         `json:"additionalInfo,omitempty"`
}

// ClusterHealth 集群健康检查结果
type ClusterHealth struct {
	Status        string `json:"status"`
	NodeCount     int    `json:"nodeCount"`
	ExpectedNodes int    `json:"expectedNodes"`
	RayVersion    string `json:"rayVersion,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ============================================================================
// 模型下载结果
// ============================================================================

// StageKind 模型准备结果类型
type StageKind string

const (
	// StageDownloaded 主节点确认已下载并校验
	StageDownloaded StageKind = "downloaded"
	// StageDegraded 主节点未提供下载接口，假定模型已在约定路径
	StageDegraded StageKind = "degraded"
)

// DegradedResult 降级结果：未真正下载，仅假定路径存在
type DegradedResult struct {
	AssumedPath string `json:"assumedPath"`
	Cause       string `json:"cause"`
	Note        string `json:"note"`
}

// StageResult 模型准备阶段结果
//
// Kind 为 downloaded 时 Download 非空；为 degraded 时 Degraded 非空。
type StageResult struct {
	Kind     StageKind       `json:"kind"`
	Download *DownloadResult `json:"download,omitempty"`
	Degraded *DegradedResult `json:"degraded,omitempty"`
}

// ModelPath 返回后续启动使用的模型路径
func (r StageResult) ModelPath() string {
	switch r.Kind {
	case StageDownloaded:
		if r.Download != nil {
			return r.Download.DownloadPath
		}
	case StageDegraded:
		if r.Degraded != nil {
			return r.Degraded.AssumedPath
		}
	}
	return ""
}

// IsDegraded 是否为降级结果
func (r StageResult) IsDegraded() bool {
	return r.Kind == StageDegraded
}
