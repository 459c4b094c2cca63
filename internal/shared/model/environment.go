package model

import "time"

// ============================================================================
// NodeHandle - 已解析的节点
// ============================================================================

// NodeHandle 节点标识与可达地址
//
// 由注册中心查询产生，同一工作流内各阶段复用，不重复解析。
type NodeHandle struct {
	NodeID   string `json:"nodeId"`
	Endpoint string `json:"endpoint"` // 节点代理基础 URL，如 http://10.0.0.5:15800
	Host     string `json:"host"`
}

// ============================================================================
// NodeEnvironmentInfo - 节点环境快照
// ============================================================================

// EnvStatus 节点探测状态
type EnvStatus string

const (
	EnvOnline   EnvStatus = "ONLINE"
	EnvError    EnvStatus = "ERROR"
	EnvNotFound EnvStatus = "NOT_FOUND"
)

// GPU 状态
const (
	GPUStatusReady = "READY"
	GPUStatusIdle  = "IDLE"
	GPUStatusBusy  = "BUSY"
)

// GPUInfo 单块 GPU 信息
type GPUInfo struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	DriverVersion     string  `json:"driverVersion,omitempty"`
	TotalMemoryMB     int64   `json:"totalMemoryMB"`
	UsedMemoryMB      int64   `json:"usedMemoryMB"`
	FreeMemoryMB      int64   `json:"freeMemoryMB"`
	MemoryUtilization float64 `json:"memoryUtilization"`
	GPUUtilization    float64 `json:"gpuUtilization"`
	Status            string  `json:"status"`
}

// Available READY/IDLE 视为可用
func (g GPUInfo) Available() bool {
	return g.Status == GPUStatusReady || g.Status == GPUStatusIdle
}

// CPUInfo CPU 信息
type CPUInfo struct {
	LogicalCores  int     `json:"logicalCores"`
	Architecture  string  `json:"architecture"`
	LoadAverage1m float64 `json:"loadAverage1min"`
	CPUUsage      float64 `json:"cpuUsage"`
}

// MemoryInfo 内存信息
type MemoryInfo struct {
	TotalMemoryMB int64   `json:"totalMemoryMB"`
	FreeMemoryMB  int64   `json:"freeMemoryMB"`
	UsedMemoryMB  int64   `json:"usedMemoryMB"`
	MemoryUsage   float64 `json:"memoryUsage"`
}

// DiskInfo 磁盘信息
type DiskInfo struct {
	Path        string  `json:"path"`
	TotalDiskGB int64   `json:"totalDiskGB"`
	FreeDiskGB  int64   `json:"freeDiskGB"`
	UsedDiskGB  int64   `json:"usedDiskGB"`
	DiskUsage   float64 `json:"diskUsage"`
}

// NetworkInfo 网络信息
type NetworkInfo struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ipAddress"`
}

// NodeEnvironmentInfo 节点环境信息
//
// 每次探测生成新的快照，返回后不再修改。
type NodeEnvironmentInfo struct {
	NodeID                string       `json:"nodeId"`
	IPAddress             string       `json:"ipAddress,omitempty"`
	Status                EnvStatus    `json:"status"`
	OSInfo                string       `json:"osInfo,omitempty"`
	PythonVersion         string       `json:"pythonVersion,omitempty"`
	RayVersion            string       `json:"rayVersion,omitempty"`
	PythonInstalled       bool         `json:"pythonInstalled"`
	RayInstalled          bool         `json:"rayInstalled"`
	ModelEnginesInstalled bool         `json:"modelEnginesInstalled"`
	CPU                   *CPUInfo     `json:"cpuInfo,omitempty"`
	Memory                *MemoryInfo  `json:"memoryInfo,omitempty"`
	GPUs                  []GPUInfo    `json:"gpuInfos,omitempty"`
	Disk                  *DiskInfo    `json:"diskInfo,omitempty"`
	Network               *NetworkInfo `json:"networkInfo,omitempty"`
	CheckedAt             time.Time    `json:"checkedAt"`
	Error                 string       `json:"error,omitempty"`
}

// Online 是否在线
func (n *NodeEnvironmentInfo) Online() bool {
	return n != nil && n.Status == EnvOnline
}

// FullyReady Python、Ray、引擎依赖均已安装
func (n *NodeEnvironmentInfo) FullyReady() bool {
	return n.Online() && n.PythonInstalled && n.RayInstalled && n.ModelEnginesInstalled
}

// ============================================================================
// 环境检查报告
// ============================================================================

// EnvironmentSummary 环境汇总
type EnvironmentSummary struct {
	PythonReadyNodes     int     `json:"pythonReadyNodes"`
	RayReadyNodes        int     `json:"rayReadyNodes"`
	GPUAvailableNodes    int     `json:"gpuAvailableNodes"`
	TotalGPUCount        int     `json:"totalGpuCount"`
	AvailableGPUCount    int     `json:"availableGpuCount"`
	TotalGPUMemoryMB     int64   `json:"totalGpuMemoryMB"`
	AvailableGPUMemoryMB int64   `json:"availableGpuMemoryMB"`
	TotalCPUCores        int     `json:"totalCpuCores"`
	TotalMemoryMB        int64   `json:"totalMemoryMB"`
	AvailableMemoryMB    int64   `json:"availableMemoryMB"`
	TotalDiskGB          int64   `json:"totalDiskGB"`
	AvailableDiskGB      int64   `json:"availableDiskGB"`
	RecommendedMaster    string  `json:"recommendedMasterNode,omitempty"`
	PassRate             float64 `json:"environmentPassRate"`
	ClusterReady         bool    `json:"clusterReady"`
}

// EnvCheckReport 环境检查阶段结果
type EnvCheckReport struct {
	CheckID      string                 `json:"checkId"`
	Status       string                 `json:"status"`
	TotalNodes   int                    `json:"totalNodes"`
	OnlineNodes  int                    `json:"onlineNodes"`
	OfflineNodes int                    `json:"offlineNodes"`
	NodeInfos    []*NodeEnvironmentInfo `json:"nodeInfos"`
	Summary      EnvironmentSummary     `json:"summary"`
	DurationSec  float64                `json:"checkDuration"`
}

// Node 按节点 ID 查找探测结果
func (r *EnvCheckReport) Node(nodeID string) *NodeEnvironmentInfo {
	if r == nil {
		return nil
	}
	for _, info := range r.NodeInfos {
		if info != nil && info.NodeID == nodeID {
			return info
		}
	}
	return nil
}

// ============================================================================
// 环境安装报告
// ============================================================================

// 安装阶段状态
const (
	InstallSuccess        = "SUCCESS"
	InstallPartialSuccess = "PARTIAL_SUCCESS"
)

// NodeFailure 单节点失败原因
type NodeFailure struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason"`
}

// InstallReport 环境安装阶段结果
type InstallReport struct {
	Status                   string        `json:"status"`
	TotalNodes               int           `json:"totalNodes"`
	SuccessNodes             []string      `json:"successNodes"`
	FailedNodes              []NodeFailure `json:"failedNodes"`
	MinicondaInstallCount    int           `json:"minicondaInstallCount"`
	RayInstallCount          int           `json:"rayInstallCount"`
	ModelEnginesInstallCount int           `json:"modelEnginesInstallCount"`
	DurationSec              float64       `json:"installDuration"`
	Message                  string        `json:"message"`
}

// Failure 返回节点的失败记录
func (r *InstallReport) Failure(nodeID string) (NodeFailure, bool) {
	for _, f := range r.FailedNodes {
		if f.NodeID == nodeID {
			return f, true
		}
	}
	return NodeFailure{}, false
}
