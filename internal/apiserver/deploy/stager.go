package deploy

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// DefaultModelsDir 节点上约定的模型目录
const DefaultModelsDir = "/tmp/ray/models"

// RemoteFailure 节点明确报告的失败（下载或服务启动）
//
// Error() 原样返回节点给出的错误信息。
type RemoteFailure struct {
	Op      string
	NodeID  string
	Status  string
	Message string
}

func (e *RemoteFailure) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s on %s reported status %q", e.Op, e.NodeID, e.Status)
}

// Stager 在主节点准备模型权重
type Stager struct {
	client    NodeClient
	timeout   time.Duration
	modelsDir string
	log       *logging.Logger
}

// NewStager 创建模型准备器，timeout 为 0 表示不设超时
func NewStager(client NodeClient, timeout time.Duration, log *logging.Logger) *Stager {
	if log == nil {
		log = logging.Discard()
	}
	return &Stager{client: client, timeout: timeout, modelsDir: DefaultModelsDir, log: log}
}

// AssumedPath 降级时假定的模型路径，与节点代理的下载目录规则一致
func (s *Stager) AssumedPath(modelName string) string {
	return path.Join(s.modelsDir, model.ModelDirName(modelName))
}

// Stage 请求主节点下载模型
//
// 主节点不可连接或不提供下载接口时返回降级结果，不视为失败；
// 主节点明确报告 FAILED 或其他错误时返回 error。
func (s *Stager) Stage(ctx context.Context, master model.NodeHandle, req *model.DeploymentRequest) (model.StageResult, error) {
	callCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	body := model.DownloadRequest{
		ModelName:   req.ModelName,
		ModelSource: req.ModelSource,
		ModelID:     req.RemoteModelID(),
	}

	begin := time.Now()
	res, err := s.client.DownloadModel(callCtx, master, body)
	timed(s.log, master.NodeID, "download-model", begin, err)
	if err != nil {
		if agentclient.IsConnectionRefused(err) || agentclient.IsNotFound(err) {
			assumed := s.AssumedPath(req.ModelName)
			s.log.Warn("Model download endpoint unavailable, assuming pre-staged weights",
				"node", master.NodeID, "path", assumed, "error", err)
			return model.StageResult{
				Kind: model.StageDegraded,
				Degraded: &model.DegradedResult{
					AssumedPath: assumed,
					Cause:       err.Error(),
					Note:        fmt.Sprintf("download skipped on %s; expecting model at %s", master.NodeID, assumed),
				},
			}, nil
		}
		return model.StageResult{}, fmt.Errorf("failed to download model %s on %s: %s", req.ModelName, master.NodeID, callErrorText(err, s.timeout))
	}

	if !strings.EqualFold(res.Status, model.RemoteSuccess) {
		return model.StageResult{}, &RemoteFailure{Op: "download-model", NodeID: master.NodeID, Status: res.Status, Message: res.Error}
	}
	if res.DownloadPath == "" {
		res.DownloadPath = s.AssumedPath(req.ModelName)
	}
	return model.StageResult{Kind: model.StageDownloaded, Download: res}, nil
}
