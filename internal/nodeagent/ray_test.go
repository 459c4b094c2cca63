package nodeagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/model"
)

func newTestRayManager(runner Runner) *RayManager {
	m := NewRayManager(runner, "10.0.0.5", 0)
	m.goos = "linux"
	return m
}

func TestStartHead_Success(t *testing.T) {
	runner := newFakeRunner().on("ray start --head", 0, "Ray runtime started.")
	m := newTestRayManager(runner)

	res := m.StartHead(context.Background(), model.StartHeadRequest{NumCPUs: 4, NumGPUs: 1, Memory: 8 << 30})

	assert.True(t, res.Success)
	assert.Equal(t, "head", res.NodeStatus)
	assert.Equal(t, "10.0.0.5:6379", res.ClusterAddress)

	scripts := runner.ran()
	require.Len(t, scripts, 1)
	script := scripts[0]
	assert.Contains(t, script, "ray stop --force")
	assert.Contains(t, script, "RAY_ENABLE_WINDOWS_OR_OSX_CLUSTER=1")
	assert.Contains(t, script, "--port=6379")
	assert.Contains(t, script, "--dashboard-port=8265")
	assert.Contains(t, script, "--object-manager-port=6380")
	assert.Contains(t, script, "--min-worker-port=10002")
	assert.Contains(t, script, "--max-worker-port=19999")
	assert.Contains(t, script, "--node-ip-address=10.0.0.5")
	assert.Contains(t, script, "--num-cpus=4")
	assert.Contains(t, script, "--num-gpus=1")
	assert.Contains(t, script, "--temp-dir=/tmp/ray")
	assert.NotContains(t, script, "--object-store-memory")
}

func TestStartHead_Failure(t *testing.T) {
	runner := newFakeRunner().on("ray start --head", 1, "ConnectionError: port 6379 already in use")

	res := newTestRayManager(runner).StartHead(context.Background(), model.StartHeadRequest{})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "ConnectionError: port 6379 already in use", res.Output)
	assert.Equal(t, "ray start exited with code 1", res.ErrorMessage)
	assert.Empty(t, res.ClusterAddress)
}

func TestStartHead_DarwinCapsObjectStore(t *testing.T) {
	runner := newFakeRunner().on("ray start --head", 0, "")
	m := newTestRayManager(runner)
	m.goos = "darwin"

	m.StartHead(context.Background(), model.StartHeadRequest{ObjectStoreMemory: 16 << 30})

	assert.Contains(t, runner.ran()[0], "--object-store-memory=2147483648")
}

func TestJoinCluster_NormalizesAddress(t *testing.T) {
	runner := newFakeRunner().on("ray start --address", 0, "")

	res := newTestRayManager(runner).JoinCluster(context.Background(), model.JoinClusterRequest{
		ClusterAddress: "ray://10.0.0.1:6379",
		NumCPUs:        8,
	})

	assert.True(t, res.Success)
	assert.Equal(t, "worker", res.NodeStatus)
	assert.Equal(t, "10.0.0.1:6379", res.ClusterAddress)
	assert.Contains(t, runner.ran()[0], "--address=10.0.0.1:6379")
	assert.Contains(t, runner.ran()[0], "--num-cpus=8")
}

func TestJoinCluster_MissingAddress(t *testing.T) {
	runner := newFakeRunner()
	res := newTestRayManager(runner).JoinCluster(context.Background(), model.JoinClusterRequest{})

	assert.False(t, res.Success)
	assert.Equal(t, "clusterAddress is required", res.ErrorMessage)
	assert.Empty(t, runner.ran())
}

const rayStatusOutput = `======== Autoscaler status: 2024-01-10 10:00:00 ========
Node status
---------------------------------------------------------------
Active:
 1 node_3f2a9b1c
 1 node_9c1b7e2d
 1 node_7a8b9c0d
Pending:
 (no pending nodes)
Recent failures:
 (no failures)

Resources
---------------------------------------------------------------
Usage:
 0.0/24.0 CPU
`

func TestParseActiveNodes(t *testing.T) {
	assert.Equal(t, 3, ParseActiveNodes(rayStatusOutput))
	assert.Equal(t, 0, ParseActiveNodes("no cluster"))
}

func TestClusterStatus_Healthy(t *testing.T) {
	runner := newFakeRunner().
		on("ray status", 0, rayStatusOutput).
		on("ray --version", 0, "ray, version 2.9.0")

	res := newTestRayManager(runner).ClusterStatus(context.Background(), model.ClusterStatusRequest{ClusterAddress: "ray://10.0.0.5:6379"})

	assert.Equal(t, model.ClusterHealthy, res.Status)
	assert.Equal(t, 3, res.NodeCount)
	assert.Equal(t, "2.9.0", res.RayVersion)
	assert.Equal(t, "10.0.0.5:6379", res.ClusterAddress)
}

func TestClusterStatus_Unreachable(t *testing.T) {
	runner := newFakeRunner().on("ray status", 1, "ConnectionError: Could not find any running Ray instance.")

	res := newTestRayManager(runner).ClusterStatus(context.Background(), model.ClusterStatusRequest{})

	assert.Equal(t, model.ClusterUnhealthy, res.Status)
	assert.Equal(t, "10.0.0.5:6379", res.ClusterAddress)
	assert.Contains(t, res.ErrorMessage, "Could not find any running Ray instance")
}

func TestNormalizeClusterAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:6379", NormalizeClusterAddress("ray://10.0.0.1:6379/"))
	assert.Equal(t, "10.0.0.1:6379", NormalizeClusterAddress(" 10.0.0.1:6379 "))
	assert.Empty(t, NormalizeClusterAddress(""))
}
