package nodeagent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/nodeagent/probe"
	"ray-deployer/internal/shared/model"
)

func newTestLauncher(rt *fakeRuntime, runner *fakeRunner, gpu bool) *Launcher {
	l := NewLauncher(LauncherConfig{
		AdvertiseHost: "10.0.0.5",
		ServingPort:   8000,
		Settle:        100 * time.Millisecond,
	}, rt, runner, nil, nil)
	l.goos = "linux"
	l.cpuCount = 8
	l.pollEvery = 10 * time.Millisecond
	if gpu {
		l.getenv = func(string) (string, bool) { return "", false }
		runner.on("nvidia-smi -L", 0, "GPU 0: Tesla T4 (UUID: GPU-1234)").
			on("memory.used,memory.total", 0, "1024, 15360\n")
	} else {
		// CUDA_VISIBLE_DEVICES 显式置空
		l.getenv = func(k string) (string, bool) { return "", k == "CUDA_VISIBLE_DEVICES" }
	}
	return l
}

func launchRequest() model.LaunchRequest {
	return model.LaunchRequest{
		ModelName:      "qwen-7b",
		ModelPath:      "/tmp/ray/models/qwen-7b",
		ClusterAddress: "ray://10.0.0.5:6379",
	}
}

func TestLaunch_CPUReady(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt, newFakeRunner(), false)

	res := l.Launch(context.Background(), launchRequest())

	require.Equal(t, model.RemoteSuccess, res.Status, res.Error)
	assert.Equal(t, ServiceRunning, res.ServiceStatus)
	assert.Equal(t, "http://10.0.0.5:8000", res.ServiceEndpoint)
	assert.Equal(t, "cpu", res.Device)
	assert.Equal(t, 10, res.MaxConcurrency)
	assert.Equal(t, "N/A", res.GPUMemoryUsage)
	assert.Contains(t, res.Command, "vllm.entrypoints.openai.api_server")
	assert.Contains(t, res.Command, "--max-num-seqs 10")
	assert.True(t, strings.HasSuffix(res.Command, "--device cpu"))

	require.Len(t, rt.started, 1)
	spec := rt.started[0]
	assert.False(t, spec.GPU)
	assert.Equal(t, 8000, spec.Port)
	assert.Equal(t, "/tmp/ray/models/qwen-7b", spec.ModelDir)
	assert.Equal(t, "10.0.0.5:6379", spec.Env["RAY_ADDRESS"])
	assert.Equal(t, "", spec.Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "cpu", spec.Env["VLLM_TARGET_DEVICE"])
	assert.Equal(t, "8", spec.Env["OMP_NUM_THREADS"])
	assert.Len(t, spec.Env, 13) // 12 个 CPU 变量 + RAY_ADDRESS
}

func TestLaunch_GPU(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt, newFakeRunner(), true)

	res := l.Launch(context.Background(), launchRequest())

	require.Equal(t, model.RemoteSuccess, res.Status, res.Error)
	assert.Equal(t, "cuda", res.Device)
	assert.Equal(t, "1024/15360 MiB", res.GPUMemoryUsage)
	assert.NotContains(t, res.Command, "--device")
	assert.True(t, rt.started[0].GPU)
	_, cpuVar := rt.started[0].Env["VLLM_TARGET_DEVICE"]
	assert.False(t, cpuVar)
}

func TestLaunch_DarwinIsCPU(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt, newFakeRunner(), true)
	l.goos = "darwin"

	res := l.Launch(context.Background(), launchRequest())

	assert.Equal(t, "cpu", res.Device)
}

func TestLaunch_ProcessExitsDuringSettle(t *testing.T) {
	rt := &fakeRuntime{
		probe: probe.Func(func(context.Context) (bool, error) {
			return false, errors.New("process exited: exit status 1")
		}),
		logs: "ValueError: model path does not exist",
	}
	l := newTestLauncher(rt, newFakeRunner(), false)

	res := l.Launch(context.Background(), launchRequest())

	assert.Equal(t, model.RemoteFailed, res.Status)
	assert.Contains(t, res.Error, "service exited during startup")
	assert.Contains(t, res.Error, "ValueError: model path does not exist")
	assert.Empty(t, res.ServiceStatus)
}

func TestLaunch_PortNeverBoundFails(t *testing.T) {
	// 进程一直存活，但端口始终未监听
	rt := &fakeRuntime{
		probe: probe.AllOf(
			&probe.ProcessProbe{Exited: make(chan struct{})},
			&probe.PortProbe{Address: "127.0.0.1:1", Timeout: 50 * time.Millisecond},
		),
		logs: "INFO: loading weights",
	}
	l := newTestLauncher(rt, newFakeRunner(), false)

	res := l.Launch(context.Background(), launchRequest())

	assert.Equal(t, model.RemoteFailed, res.Status)
	assert.Contains(t, res.Error, "port 8000 not listening")
	assert.Contains(t, res.Error, "INFO: loading weights")
	assert.Empty(t, res.ServiceStatus)
	assert.Equal(t, []string{"svc-1"}, rt.stopped)
}

func TestLaunch_StartError(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("exec: python: not found")}
	l := newTestLauncher(rt, newFakeRunner(), false)

	res := l.Launch(context.Background(), launchRequest())

	assert.Equal(t, model.RemoteFailed, res.Status)
	assert.Contains(t, res.Error, "python: not found")
}

func TestLaunch_RelaunchStopsPrevious(t *testing.T) {
	rt := &fakeRuntime{}
	l := newTestLauncher(rt, newFakeRunner(), false)

	l.Launch(context.Background(), launchRequest())
	l.Launch(context.Background(), launchRequest())

	assert.Len(t, rt.started, 2)
	assert.Equal(t, []string{"svc-1"}, rt.stopped)
}

func TestLaunch_Validation(t *testing.T) {
	l := newTestLauncher(&fakeRuntime{}, newFakeRunner(), false)

	res := l.Launch(context.Background(), model.LaunchRequest{ModelName: "m"})

	assert.Equal(t, model.RemoteFailed, res.Status)
	assert.Contains(t, res.Error, "modelPath")
}

func TestEngineCommand(t *testing.T) {
	req := launchRequest()
	req.MaxConcurrency = 32

	req.ModelEngine = model.EngineTGI
	tgi := strings.Join(engineCommand(req, 8000, false), " ")
	assert.True(t, strings.HasPrefix(tgi, "text-generation-launcher --model-id /tmp/ray/models/qwen-7b"))
	assert.Contains(t, tgi, "--max-concurrent-requests 32")
	assert.Contains(t, tgi, "--disable-custom-kernels")

	req.ModelEngine = model.EngineRayServe
	serve := engineCommand(req, 8000, true)
	assert.Equal(t, []string{"serve", "run", "--address", "10.0.0.5:6379"}, serve[:4])
	assert.Contains(t, serve, "ray.serve.llm:build_openai_app")
	assert.Contains(t, serve, "max_ongoing_requests=32")

	env := engineEnv(req, 8000)
	assert.Equal(t, "8000", env["RAY_SERVE_DEFAULT_HTTP_PORT"])
	assert.Equal(t, "10.0.0.5:6379", env["RAY_ADDRESS"])
}

func TestCPUEnv(t *testing.T) {
	env := cpuEnv(0)
	assert.Len(t, env, 12)
	assert.Equal(t, "1", env["OMP_NUM_THREADS"])
	assert.Equal(t, "1", env["HF_HUB_OFFLINE"])
}
