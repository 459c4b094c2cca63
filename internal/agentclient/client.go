// Package agentclient 节点代理 HTTP 客户端
//
// 所有接口位于节点代理的 /model 路径下，响应统一包装为
// {success, code, message, data}。调用超时由调用方通过 context 控制。
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"ray-deployer/internal/shared/model"
)

// 节点代理接口路径
const (
	BasePath           = "/model"
	PathCheckEnv       = BasePath + "/check-environment"
	PathInstallEnv     = BasePath + "/install-environment"
	PathStartHead      = BasePath + "/ray/start-head"
	PathJoinCluster    = BasePath + "/ray/join-cluster"
	PathClusterStatus  = BasePath + "/ray/cluster-status"
	PathDownloadModel  = BasePath + "/download-model"
	PathLaunchService  = BasePath + "/launch-rayLLM"
	maxErrorBodyLength = 512
)

// ErrAgentFailure 节点代理返回 success=false
var ErrAgentFailure = errors.New("agent reported failure")

// StatusError 非 2xx 响应
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned HTTP %d: %s", e.Code, e.Message)
}

// IsNotFound 节点代理不提供该接口（HTTP 404）
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// IsConnectionRefused 节点代理端口未监听
func IsConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// TokenSource 服务令牌来源
type TokenSource interface {
	Token() (string, error)
}

// Client 节点代理客户端，可被多个协程共享
type Client struct {
	http   *http.Client
	tokens TokenSource
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 指定底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource 为每个请求附加 Bearer 令牌
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// New 创建客户端
//
// 默认 HTTP 客户端不设整体超时：模型下载可能持续很久，超时完全由 context 决定。
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// 接口
// ============================================================================

// CheckEnvironment 探测节点环境
func (c *Client) CheckEnvironment(ctx context.Context, node model.NodeHandle) (*model.NodeEnvironmentInfo, error) {
	return call[model.NodeEnvironmentInfo](ctx, c, http.MethodGet, node, PathCheckEnv, nil)
}

// InstallEnvironment 安装环境依赖
func (c *Client) InstallEnvironment(ctx context.Context, node model.NodeHandle, req model.InstallRequest) (*model.InstallResult, error) {
	return call[model.InstallResult](ctx, c, http.MethodPost, node, PathInstallEnv, req)
}

// StartHead 启动 Ray 头节点
func (c *Client) StartHead(ctx context.Context, node model.NodeHandle, req model.StartHeadRequest) (*model.RayNodeResult, error) {
	return call[model.RayNodeResult](ctx, c, http.MethodPost, node, PathStartHead, req)
}

// JoinCluster 工作节点加入集群
func (c *Client) JoinCluster(ctx context.Context, node model.NodeHandle, req model.JoinClusterRequest) (*model.RayNodeResult, error) {
	return call[model.RayNodeResult](ctx, c, http.MethodPost, node, PathJoinCluster, req)
}

// ClusterStatus 查询集群状态
func (c *Client) ClusterStatus(ctx context.Context, node model.NodeHandle, req model.ClusterStatusRequest) (*model.ClusterStatusResult, error) {
	return call[model.ClusterStatusResult](ctx, c, http.MethodPost, node, PathClusterStatus, req)
}

// DownloadModel 在节点上下载模型
func (c *Client) DownloadModel(ctx context.Context, node model.NodeHandle, req model.DownloadRequest) (*model.DownloadResult, error) {
	return call[model.DownloadResult](ctx, c, http.MethodPost, node, PathDownloadModel, req)
}

// LaunchService 启动推理服务
func (c *Client) LaunchService(ctx context.Context, node model.NodeHandle, req model.LaunchRequest) (*model.LaunchResult, error) {
	return call[model.LaunchResult](ctx, c, http.MethodPost, node, PathLaunchService, req)
}

// ============================================================================
// 内部实现
// ============================================================================

func call[T any](ctx context.Context, c *Client, method string, node model.NodeHandle, path string, body any) (*T, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(node.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}

	var envelope model.Result[*T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	if !envelope.Success {
		msg := envelope.Message
		if msg == "" {
			msg = "no message"
		}
		return nil, fmt.Errorf("%w: %s", ErrAgentFailure, msg)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("%w: empty data in response from %s", ErrAgentFailure, url)
	}
	return envelope.Data, nil
}

// errorMessage 从错误响应中提取可读信息
func errorMessage(raw []byte, status string) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return status
	}
	if len(text) > maxErrorBodyLength {
		text = text[:maxErrorBodyLength]
	}
	return text
}
