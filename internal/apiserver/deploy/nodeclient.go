package deploy

import (
	"context"
	"errors"
	"time"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// NodeClient 节点代理调用接口（由 agentclient.Client 实现）
type NodeClient interface {
	CheckEnvironment(ctx context.Context, node model.NodeHandle) (*model.NodeEnvironmentInfo, error)
	InstallEnvironment(ctx context.Context, node model.NodeHandle, req model.InstallRequest) (*model.InstallResult, error)
	StartHead(ctx context.Context, node model.NodeHandle, req model.StartHeadRequest) (*model.RayNodeResult, error)
	JoinCluster(ctx context.Context, node model.NodeHandle, req model.JoinClusterRequest) (*model.RayNodeResult, error)
	ClusterStatus(ctx context.Context, node model.NodeHandle, req model.ClusterStatusRequest) (*model.ClusterStatusResult, error)
	DownloadModel(ctx context.Context, node model.NodeHandle, req model.DownloadRequest) (*model.DownloadResult, error)
	LaunchService(ctx context.Context, node model.NodeHandle, req model.LaunchRequest) (*model.LaunchResult, error)
}

var _ NodeClient = (*agentclient.Client)(nil)

// withTimeout d 为 0 时不设超时
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// callErrorText 将调用错误转换为失败条目中的原因
func callErrorText(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out after " + timeout.String()
	}
	return err.Error()
}

// timed 记录一次节点调用的耗时与结果
func timed(log *logging.Logger, nodeID, op string, start time.Time, err error) {
	if log != nil {
		log.NodeCallLog(nodeID, op, time.Since(start), err)
	}
}
