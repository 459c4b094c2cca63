// Package model 定义部署编排的核心数据模型
//
// deployment.go 包含部署请求与部署结果：
//   - DeploymentRequest：部署请求（不可变输入）
//   - DeploymentStep：部署步骤记录
//   - DeploymentResponse：部署结果聚合（仅编排器写入）
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest 调用方输入错误，在发起任何网络调用前拒绝
var ErrInvalidRequest = errors.New("invalid deployment request")

// ============================================================================
// ModelSource - 模型来源
// ============================================================================

// ModelSource 模型来源
type ModelSource string

const (
	ModelSourceLocal       ModelSource = "local"
	ModelSourceHuggingFace ModelSource = "huggingface"
	ModelSourceModelScope  ModelSource = "modelscope"
)

// IsValid 检查来源是否合法
func (s ModelSource) IsValid() bool {
	switch s {
	case ModelSourceLocal, ModelSourceHuggingFace, ModelSourceModelScope:
		return true
	}
	return false
}

// ============================================================================
// ModelEngine - 推理引擎
// ============================================================================

// ModelEngine 推理服务引擎类型
type ModelEngine string

const (
	EngineVLLM     ModelEngine = "vllm"
	EngineTGI      ModelEngine = "tgi"
	EngineRayServe ModelEngine = "ray-serve"
)

// IsValid 检查引擎类型是否合法
func (e ModelEngine) IsValid() bool {
	switch e {
	case EngineVLLM, EngineTGI, EngineRayServe:
		return true
	}
	return false
}

// 引擎默认值
const (
	DefaultModelEngine    = EngineVLLM
	DefaultMaxConcurrency = 10
	DefaultNumCPUs        = 4
)

// ============================================================================
// DeploymentRequest - 部署请求
// ============================================================================

// EngineConfig 引擎与资源配置
type EngineConfig struct {
	NumCPUs        int         `json:"numCpus,omitempty"`
	NumGPUs        int         `json:"numGpus,omitempty"`
	Memory         Quantity    `json:"memory,omitempty"`
	MaxConcurrency int         `json:"maxConcurrency,omitempty"`
	ModelEngine    ModelEngine `json:"modelEngine,omitempty"`
}

// DeploymentRequest 部署请求
//
// NodeIDs 有序，第一个可解析的节点作为主节点。
// ModelID 为空时使用 ModelName 作为远端模型标识。
type DeploymentRequest struct {
	ModelName    string       `json:"modelName"`
	ModelID      string       `json:"modelId,omitempty"`
	ModelSource  ModelSource  `json:"modelSource"`
	NodeIDs      []string     `json:"nodeIds"`
	EngineConfig EngineConfig `json:"engineConfig"`
}

// Validate 校验输入并填充默认值
//
// 任何错误都包装 ErrInvalidRequest，调用方据此返回 400。
func (r *DeploymentRequest) Validate() error {
	r.ModelName = strings.TrimSpace(r.ModelName)
	if r.ModelName == "" {
		return fmt.Errorf("%w: modelName is required", ErrInvalidRequest)
	}
	if r.ModelSource == "" {
		r.ModelSource = ModelSourceHuggingFace
	}
	if !r.ModelSource.IsValid() {
		return fmt.Errorf("%w: unknown modelSource %q", ErrInvalidRequest, r.ModelSource)
	}
	if len(r.NodeIDs) == 0 {
		return fmt.Errorf("%w: nodeIds must not be empty", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.NodeIDs))
	for i, id := range r.NodeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("%w: nodeIds[%d] is blank", ErrInvalidRequest, i)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidRequest, id)
		}
		seen[id] = true
		r.NodeIDs[i] = id
	}

	cfg := &r.EngineConfig
	if cfg.NumCPUs < 0 || cfg.NumGPUs < 0 || cfg.Memory < 0 || cfg.MaxConcurrency < 0 {
		return fmt.Errorf("%w: resource hints must not be negative", ErrInvalidRequest)
	}
	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = DefaultNumCPUs
	}
	if cfg.Memory == 0 {
		cfg.Memory = DefaultRayMemory
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.ModelEngine == "" {
		cfg.ModelEngine = DefaultModelEngine
	}
	if !cfg.ModelEngine.IsValid() {
		return fmt.Errorf("%w: unknown modelEngine %q", ErrInvalidRequest, cfg.ModelEngine)
	}
	return nil
}

// RemoteModelID 返回远端下载使用的模型标识
func (r *DeploymentRequest) RemoteModelID() string {
	if r.ModelID != "" {
		return r.ModelID
	}
	return r.ModelName
}

// ============================================================================
// DeploymentStep - 部署步骤
// ============================================================================

// StepStatus 步骤状态
type StepStatus string

const (
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// 步骤名称，按执行顺序排列
const (
	StepEnvCheck      = "env-check"
	StepEnvInstall    = "env-install"
	StepClusterCreate = "cluster-create"
	StepModelDownload = "model-download"
	StepServingLaunch = "rayLLM-launch"
)

// StageNames 全部阶段名称（按顺序）
var StageNames = []string{
	StepEnvCheck,
	StepEnvInstall,
	StepClusterCreate,
	StepModelDownload,
	StepServingLaunch,
}

// DeploymentStep 部署步骤记录
type DeploymentStep struct {
	Name      string          `json:"name" bson:"name"`
	Status    StepStatus      `json:"status" bson:"status"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty" bson:"details,omitempty"`
	Error     string          `json:"error,omitempty" bson:"error,omitempty"`
}

// ============================================================================
// DeploymentResponse - 部署结果
// ============================================================================

// DeploymentStatus 部署整体状态
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "IN_PROGRESS"
	DeploymentCompleted  DeploymentStatus = "COMPLETED"
	DeploymentFailed     DeploymentStatus = "FAILED"
)

// IsTerminal 是否为终态
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// DeploymentResponse 部署结果聚合
//
// 由编排器单线程写入；进入 COMPLETED/FAILED 后不再变化。
// 对外发布时使用 Clone 得到的快照。
type DeploymentResponse struct {
	DeploymentID    string             `json:"deploymentId" bson:"_id"`
	ModelName       string             `json:"modelName" bson:"model_name"`
	Status          DeploymentStatus   `json:"status" bson:"status"`
	Steps           []DeploymentStep   `json:"steps" bson:"steps"`
	ClusterAddress  string             `json:"clusterAddress,omitempty" bson:"cluster_address,omitempty"`
	ServiceEndpoint string             `json:"serviceEndpoint,omitempty" bson:"service_endpoint,omitempty"`
	Request         *DeploymentRequest `json:"request,omitempty" bson:"request,omitempty"`
	Error           string             `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt       time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time          `json:"updatedAt" bson:"updated_at"`
}

// Clone 深拷贝（步骤列表与请求）
func (r *DeploymentResponse) Clone() *DeploymentResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = make([]DeploymentStep, len(r.Steps))
	for i, s := range r.Steps {
		out.Steps[i] = s
		if s.Details != nil {
			out.Steps[i].Details = append(json.RawMessage(nil), s.Details...)
		}
	}
	if r.Request != nil {
		req := *r.Request
		req.NodeIDs = append([]string(nil), r.Request.NodeIDs...)
		out.Request = &req
	}
	return &out
}

// LastStep 返回最后一个步骤
func (r *DeploymentResponse) LastStep() *DeploymentStep {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}
