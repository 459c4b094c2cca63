package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oapi-codegen/runtime"

	"ray-deployer/internal/shared/model"
	"ray-deployer/internal/shared/storage"
	"ray-deployer/pkg/logging"
)

// Service 处理器依赖的编排接口（由 Orchestrator 实现）
type Service interface {
	Deploy(ctx context.Context, req *model.DeploymentRequest) (*model.DeploymentResponse, error)
	Submit(req *model.DeploymentRequest) (*model.DeploymentResponse, error)
	Get(ctx context.Context, id string) (*model.DeploymentResponse, error)
	List(ctx context.Context, filter storage.DeploymentFilter) ([]*model.DeploymentResponse, int, error)
}

var _ Service = (*Orchestrator)(nil)

// Handler 部署领域 HTTP 处理器
type Handler struct {
	svc Service
	log *logging.Logger
}

// NewHandler 创建部署处理器
func NewHandler(svc Service, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes 注册部署相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /deploy", h.Deploy)
	mux.HandleFunc("POST /api/v1/deployments", h.Create)
	mux.HandleFunc("GET /api/v1/deployments", h.List)
	mux.HandleFunc("GET /api/v1/deployments/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/openapi.json", h.Spec)
}

// ListResponse 部署列表响应
type ListResponse struct {
	Items  []*model.DeploymentResponse `json:"items"`
	Total  int                         `json:"total"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

// Deploy 同步部署，返回终态结果
// POST /deploy
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.runSync(w, r, req)
}

// Create 创建部署；async=true 时立即返回 202
// POST /api/v1/deployments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var async bool
	if err := runtime.BindQueryParameter("form", true, false, "async", r.URL.Query(), &async); err != nil {
		writeError(w, http.StatusBadRequest, "invalid async parameter")
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if !async {
		h.runSync(w, r, req)
		return
	}

	resp, err := h.svc.Submit(req)
	if err != nil {
		h.writeDeployError(w, err)
		return
	}
	h.log.Info("Deployment accepted", "deployment_id", resp.DeploymentID, "model", resp.ModelName)
	w.Header().Set("Location", "/api/v1/deployments/"+resp.DeploymentID)
	writeJSON(w, http.StatusAccepted, resp)
}

// Get 获取部署详情
// GET /api/v1/deployments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}

	resp, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		h.log.Error("Failed to get deployment", "deployment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// List 列出部署记录
// GET /api/v1/deployments?status=&limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		filter storage.DeploymentFilter
		status string
	)
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &filter.Limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &filter.Offset); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset parameter")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "status", query, &status); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status parameter")
		return
	}
	filter.Status = model.DeploymentStatus(status)
	filter.Normalize()

	items, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.log.Error("Failed to list deployments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	if items == nil {
		items = []*model.DeploymentResponse{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// Spec 返回 JSON 形式的接口定义
// GET /api/v1/openapi.json
func (h *Handler) Spec(w http.ResponseWriter, r *http.Request) {
	data, err := SpecJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render api document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// runSync 同步执行；客户端断开不会中断已开始的部署
func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, req *model.DeploymentRequest) {
	resp, err := h.svc.Deploy(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*model.DeploymentRequest, bool) {
	var req model.DeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Warn("Invalid deployment request body", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeDeployError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error("Deployment request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
