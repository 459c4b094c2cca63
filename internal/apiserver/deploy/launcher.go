package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// Launcher 在主节点启动推理服务
type Launcher struct {
	client  NodeClient
	timeout time.Duration
	log     *logging.Logger
}

// NewLauncher 创建服务启动器
func NewLauncher(client NodeClient, timeout time.Duration, log *logging.Logger) *Launcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Launcher{client: client, timeout: timeout, log: log}
}

// Launch 在主节点启动推理服务并返回服务地址
func (l *Launcher) Launch(ctx context.Context, master model.NodeHandle, cluster *model.ClusterContext, req *model.DeploymentRequest, modelPath string) (*model.LaunchResult, error) {
	callCtx, cancel := withTimeout(ctx, l.timeout)
	defer cancel()

	body := model.LaunchRequest{
		ModelName:      req.ModelName,
		ModelPath:      modelPath,
		ClusterAddress: cluster.ClusterAddress,
		MaxConcurrency: req.EngineConfig.MaxConcurrency,
		ModelEngine:    req.EngineConfig.ModelEngine,
	}

	begin := time.Now()
	res, err := l.client.LaunchService(callCtx, master, body)
	timed(l.log, master.NodeID, "launch-service", begin, err)
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s on %s: %s", req.ModelName, master.NodeID, callErrorText(err, l.timeout))
	}
	if !strings.EqualFold(res.Status, model.RemoteSuccess) {
		return res, &RemoteFailure{Op: "launch-service", NodeID: master.NodeID, Status: res.Status, Message: res.Error}
	}
	return res, nil
}
