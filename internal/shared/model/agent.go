package model

import "strings"

// ============================================================================
// 节点代理通信协议
//
// 编排器与节点代理之间的请求/响应结构。所有响应都包装在 Result 中。
// ============================================================================

// Result 统一响应包装
type Result[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// OK 构造成功响应
func OK[T any](data T, message string) Result[T] {
	return Result[T]{Success: true, Code: 200, Message: message, Data: data}
}

// Fail 构造失败响应
func Fail[T any](code int, message string) Result[T] {
	return Result[T]{Success: false, Code: code, Message: message}
}

// ---------- 环境安装 ----------

// InstallRequest 环境安装请求
type InstallRequest struct {
	InstallMiniconda    bool `json:"installMiniconda"`
	InstallRay          bool `json:"installRay"`
	InstallModelEngines bool `json:"installModelEngines"`
}

// InstallResult 环境安装结果
type InstallResult struct {
	Success               bool   `json:"success"`
	MinicondaInstalled    bool   `json:"minicondaInstalled"`
	RayInstalled          bool   `json:"rayInstalled"`
	ModelEnginesInstalled bool   `json:"modelEnginesInstalled"`
	Details               string `json:"details,omitempty"`
	ErrorMessage          string `json:"errorMessage,omitempty"`
}

// ---------- Ray 集群 ----------

// StartHeadRequest 启动头节点请求
//
// Memory/ObjectStoreMemory 以字节为单位；ObjectStoreMemory 为 0 时由节点决定。
type StartHeadRequest struct {
	RayPort           int   `json:"rayPort"`
	DashboardPort     int   `json:"dashboardPort"`
	ObjectStorePort   int   `json:"objectStorePort"`
	GCSServerPort     int   `json:"gcsServerPort"`
	MinWorkerPort     int   `json:"minWorkerPort"`
	MaxWorkerPort     int   `json:"maxWorkerPort"`
	NumCPUs           int   `json:"numCpus"`
	NumGPUs           int   `json:"numGpus"`
	Memory            int64 `json:"memory"`
	ObjectStoreMemory int64 `json:"objectStoreMemory,omitempty"`
}

// NewStartHeadRequest 按默认端口构造头节点请求
func NewStartHeadRequest(cfg EngineConfig) StartHeadRequest {
	return StartHeadRequest{
		RayPort:         DefaultRayPort,
		DashboardPort:   DefaultDashboardPort,
		ObjectStorePort: DefaultObjectStorePort,
		GCSServerPort:   DefaultGCSServerPort,
		MinWorkerPort:   DefaultMinWorkerPort,
		MaxWorkerPort:   DefaultMaxWorkerPort,
		NumCPUs:         cfg.NumCPUs,
		NumGPUs:         cfg.NumGPUs,
		Memory:          cfg.Memory.Bytes(),
	}
}

// JoinClusterRequest 工作节点加入集群请求
type JoinClusterRequest struct {
	ClusterAddress string `json:"clusterAddress"`
	NumCPUs        int    `json:"numCpus"`
	NumGPUs        int    `json:"numGpus"`
	Memory         int64  `json:"memory"`
}

// RayNodeResult 头节点启动/工作节点加入结果
type RayNodeResult struct {
	Success        bool   `json:"success"`
	ClusterAddress string `json:"clusterAddress,omitempty"`
	NodeStatus     string `json:"nodeStatus,omitempty"` // head | worker
	ExitCode       int    `json:"exitCode"`
	Output         string `json:"output,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// ClusterStatusRequest 集群状态查询请求
type ClusterStatusRequest struct {
	ClusterAddress string `json:"clusterAddress"`
}

// 集群健康状态
const (
	ClusterHealthy   = "healthy"
	ClusterUnhealthy = "unhealthy"
)

// ClusterStatusResult 集群状态查询结果
type ClusterStatusResult struct {
	Status         string `json:"status"`
	ClusterAddress string `json:"clusterAddress,omitempty"`
	NodeCount      int    `json:"nodeCount"`
	RayVersion     string `json:"rayVersion,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// ---------- 模型下载 ----------

// 远端操作状态
const (
	RemoteSuccess = "SUCCESS"
	RemoteFailed  = "FAILED"
)

// DownloadRequest 模型下载请求
type DownloadRequest struct {
	ModelName   string      `json:"modelName"`
	ModelSource ModelSource `json:"modelSource"`
	ModelID     string      `json:"modelId"`
}

// ModelDirName 模型在节点模型目录下的子目录名（/ 替换为 _）
func ModelDirName(modelName string) string {
	return strings.ReplaceAll(modelName, "/", "_")
}

// DownloadResult 模型下载结果
type DownloadResult struct {
	Status          string `json:"status"`
	DownloadPath    string `json:"downloadPath,omitempty"`
	ModelSize       string `json:"modelSize,omitempty"`
	SizeBytes       int64  `json:"sizeBytes,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
	FilesDownloaded int    `json:"filesDownloaded"`
	FilesSkipped    int    `json:"filesSkipped"`
	Error           string `json:"error,omitempty"`
}

// ---------- 推理服务 ----------

// LaunchRequest 推理服务启动请求
type LaunchRequest struct {
	ModelName      string      `json:"modelName"`
	ModelPath      string      `json:"modelPath"`
	ClusterAddress string      `json:"clusterAddress"`
	MaxConcurrency int         `json:"maxConcurrency"`
	ModelEngine    ModelEngine `json:"modelEngine"`
}

// LaunchResult 推理服务启动结果
type LaunchResult struct {
	Status          string `json:"status"`
	ServiceEndpoint string `json:"serviceEndpoint,omitempty"`
	ServiceStatus   string `json:"serviceStatus,omitempty"`
	MaxConcurrency  int    `json:"maxConcurrency"`
	GPUMemoryUsage  string `json:"gpuMemoryUsage,omitempty"`
	Device          string `json:"device,omitempty"`
	Command         string `json:"command,omitempty"`
	Error           string `json:"error,omitempty"`
}
