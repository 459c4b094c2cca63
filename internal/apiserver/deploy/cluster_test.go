package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/model"
)

func formCluster(t *testing.T, client *fakeClient, master string, workers ...string) (*model.ClusterContext, error) {
	t.Helper()
	req := request(append([]string{master}, workers...)...)
	require.NoError(t, req.Validate())
	handles := make([]model.NodeHandle, 0, len(workers))
	for _, w := range workers {
		handles = append(handles, handleOf(w))
	}
	former := NewClusterFormer(client, NewPool(4), fastConfig(), nil)
	return former.Form(context.Background(), req, handleOf(master), handles)
}

func TestClusterFormer_AllWorkersJoin(t *testing.T) {
	client := newFakeClient(map[string]*fakeNode{
		"node-a": healthyNode("node-a"),
		"node-b": healthyNode("node-b"),
		"node-c": healthyNode("node-c"),
	})
	cc, err := formCluster(t, client, "node-a", "node-b", "node-c")
	require.NoError(t, err)

	assert.Equal(t, model.ClusterReady, cc.Status)
	assert.Equal(t, "ray://node-a:6379", cc.ClusterAddress)
	assert.Equal(t, []string{"node-b", "node-c"}, cc.WorkerNodes)
	assert.Equal(t, 3, cc.TotalNodes)
	assert.True(t, cc.Healthy)
	assert.False(t, cc.Degraded)
	assert.Empty(t, cc.Note)
}

func TestClusterFormer_HeadFailureReturnsRawOutput(t *testing.T) {
	master := healthyNode("node-a")
	master.head = &model.RayNodeResult{Success: false, ExitCode: 1, Output: "ray: command not found"}
	client := newFakeClient(map[string]*fakeNode{"node-a": master, "node-b": healthyNode("node-b")})

	cc, err := formCluster(t, client, "node-a", "node-b")
	require.Error(t, err)

	var headErr *HeadStartError
	require.True(t, errors.As(err, &headErr))
	assert.Equal(t, "ray: command not found", err.Error())
	assert.Equal(t, 1, headErr.ExitCode)
	assert.Equal(t, model.ClusterFailed, cc.Status)
	assert.Empty(t, client.called("join-cluster"))
}

func TestClusterFormer_NoWorkerJoinedIsDegraded(t *testing.T) {
	worker := healthyNode("node-b")
	worker.join = &model.RayNodeResult{Success: false, ExitCode: 1, ErrorMessage: "GCS unreachable"}
	master := healthyNode("node-a")
	master.status = &model.ClusterStatusResult{Status: model.ClusterHealthy, NodeCount: 1}
	client := newFakeClient(map[string]*fakeNode{"node-a": master, "node-b": worker})

	cc, err := formCluster(t, client, "node-a", "node-b")
	require.NoError(t, err)

	assert.Equal(t, model.ClusterReady, cc.Status)
	assert.True(t, cc.Degraded)
	assert.Empty(t, cc.WorkerNodes)
	require.Len(t, cc.FailedWorkers, 1)
	assert.Equal(t, "GCS unreachable", cc.FailedWorkers[0].Reason)
	assert.Contains(t, cc.Note, "no worker joined")
	assert.False(t, cc.Healthy)
}

func TestClusterFormer_SlowWorkerCutOffAtBarrier(t *testing.T) {
	slow := healthyNode("node-c")
	slow.joinDelay = 5 * time.Second
	master := healthyNode("node-a")
	master.status = &model.ClusterStatusResult{Status: model.ClusterHealthy, NodeCount: 2}
	client := newFakeClient(map[string]*fakeNode{
		"node-a": master,
		"node-b": healthyNode("node-b"),
		"node-c": slow,
	})

	start := time.Now()
	cc, err := formCluster(t, client, "node-a", "node-b", "node-c")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"node-b"}, cc.WorkerNodes)
	require.Len(t, cc.FailedWorkers, 1)
	assert.Equal(t, "node-c", cc.FailedWorkers[0].NodeID)
	assert.Contains(t, cc.FailedWorkers[0].Reason, "timed out")
	assert.True(t, cc.Degraded)
}

func TestClusterFormer_HealthErrorIsWarning(t *testing.T) {
	master := healthyNode("node-a")
	master.statusErr = errors.New("ray status: exit status 1")
	client := newFakeClient(map[string]*fakeNode{"node-a": master})

	cc, err := formCluster(t, client, "node-a")
	require.NoError(t, err)
	assert.Equal(t, model.ClusterReady, cc.Status)
	assert.False(t, cc.Healthy)
	assert.Equal(t, model.ClusterUnhealthy, cc.Health.Status)
	assert.Contains(t, cc.Note, "health check")
}

func TestClusterFormer_UsesReportedAddress(t *testing.T) {
	master := healthyNode("node-a")
	master.head = &model.RayNodeResult{Success: true, ClusterAddress: "10.0.0.5:6379"}
	client := newFakeClient(map[string]*fakeNode{"node-a": master})

	cc, err := formCluster(t, client, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", cc.ClusterAddress)
}
