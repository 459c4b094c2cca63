package nodeagent

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"ray-deployer/internal/nodeagent/probe"
	"ray-deployer/internal/nodeagent/runtime"
	"ray-deployer/internal/shared/model"
	"ray-deployer/pkg/logging"
)

// ServiceRunning 就绪服务的状态
const ServiceRunning = "RUNNING"

const (
	defaultMaxConcurrency = 10
	defaultServingPort    = 8000
	launchPollInterval    = time.Second
	launchLogTail         = 20
)

// LauncherConfig 启动器配置
type LauncherConfig struct {
	AdvertiseHost string
	ServingPort   int
	Settle        time.Duration // 启动后观察窗口
	DockerImage   string
}

// Launcher 推理服务启动
//
// 同名模型的旧服务在启动前先停止。观察窗口内进程存活且端口监听才为 RUNNING；
// 进程退出或窗口结束仍未监听端口都返回 FAILED。
type Launcher struct {
	cfg     LauncherConfig
	rt      runtime.Runtime
	runner  Runner
	metrics *Metrics
	log     *logging.Logger

	goos      string
	getenv    func(string) (string, bool)
	cpuCount  int
	pollEvery time.Duration

	mu       sync.Mutex
	services map[string]*runtime.Instance // modelName -> instance
}

// NewLauncher 创建启动器
func NewLauncher(cfg LauncherConfig, rt runtime.Runtime, runner Runner, metrics *Metrics, log *logging.Logger) *Launcher {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.ServingPort <= 0 {
		cfg.ServingPort = defaultServingPort
	}
	return &Launcher{
		cfg:       cfg,
		rt:        rt,
		runner:    runner,
		metrics:   metrics,
		log:       log,
		goos:      goruntime.GOOS,
		getenv:    os.LookupEnv,
		cpuCount:  goruntime.NumCPU(),
		pollEvery: launchPollInterval,
		services:  make(map[string]*runtime.Instance),
	}
}

// Launch 启动推理服务
func (l *Launcher) Launch(ctx context.Context, req model.LaunchRequest) *model.LaunchResult {
	if req.ModelName == "" || req.ModelPath == "" {
		return &model.LaunchResult{Status: model.RemoteFailed, Error: "modelName and modelPath are required"}
	}
	if req.ModelEngine == "" {
		req.ModelEngine = model.DefaultModelEngine
	}
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = defaultMaxConcurrency
	}

	gpu := l.detectGPU(ctx)
	device := "cuda"
	if !gpu {
		device = "cpu"
	}
	cmd := engineCommand(req, l.cfg.ServingPort, gpu)
	env := engineEnv(req, l.cfg.ServingPort)
	if !gpu {
		for k, v := range cpuEnv(l.cpuCount) {
			env[k] = v
		}
	}

	result := &model.LaunchResult{
		MaxConcurrency:  req.MaxConcurrency,
		Device:          device,
		Command:         runtime.ShellJoin(cmd),
		ServiceEndpoint: fmt.Sprintf("http://%s:%d", l.cfg.AdvertiseHost, l.cfg.ServingPort),
		GPUMemoryUsage:  "N/A",
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.services[req.ModelName]; ok {
		l.log.Info("Stopping previous service", "model", req.ModelName, "id", prev.ID)
		if err := l.rt.Stop(ctx, prev.ID); err != nil {
			l.log.Warn("Failed to stop previous service", "model", req.ModelName, "error", err)
		}
		delete(l.services, req.ModelName)
	}

	l.log.Info("Launching inference service", "model", req.ModelName, "engine", req.ModelEngine,
		"runtime", l.rt.Name(), "device", device, "command", result.Command)

	inst, err := l.rt.Start(ctx, &runtime.ServiceSpec{
		Name:     "serve-" + req.ModelName,
		Command:  cmd,
		Env:      env,
		Port:     l.cfg.ServingPort,
		ModelDir: req.ModelPath,
		GPU:      gpu,
		Image:    l.cfg.DockerImage,
	})
	if err != nil {
		return l.fail(result, req, fmt.Sprintf("failed to start service: %v", err))
	}

	ready, perr := probe.Poll(ctx, inst.Probe, l.pollEvery, l.cfg.Settle)
	if perr != nil {
		return l.fail(result, req, l.withLogTail(ctx, inst.ID, fmt.Sprintf("service exited during startup: %v", perr)))
	}
	// 进程存活且端口监听才算成功；超时未就绪的实例停止，避免占用端口
	if !ready {
		msg := l.withLogTail(ctx, inst.ID, fmt.Sprintf("port %d not listening after %s settle window", l.cfg.ServingPort, l.cfg.Settle))
		if err := l.rt.Stop(context.WithoutCancel(ctx), inst.ID); err != nil {
			l.log.Warn("Failed to stop unready service", "model", req.ModelName, "id", inst.ID, "error", err)
		}
		return l.fail(result, req, msg)
	}

	l.services[req.ModelName] = inst
	result.Status = model.RemoteSuccess
	result.ServiceStatus = ServiceRunning
	if gpu {
		result.GPUMemoryUsage = l.gpuMemoryUsage(ctx)
	}
	l.metrics.serviceLaunched(string(req.ModelEngine), result.ServiceStatus, len(l.services))
	l.log.Info("Inference service launched", "model", req.ModelName, "status", result.ServiceStatus,
		"endpoint", result.ServiceEndpoint, "id", inst.ID)
	return result
}

func (l *Launcher) withLogTail(ctx context.Context, id, msg string) string {
	if logs, err := l.rt.Logs(context.WithoutCancel(ctx), id, launchLogTail); err == nil && logs != "" {
		return msg + "\n" + logs
	}
	return msg
}

func (l *Launcher) fail(result *model.LaunchResult, req model.LaunchRequest, msg string) *model.LaunchResult {
	l.log.Error("Inference service launch failed", "model", req.ModelName, "error", msg)
	l.metrics.serviceLaunched(string(req.ModelEngine), model.RemoteFailed, len(l.services))
	result.Status = model.RemoteFailed
	result.Error = msg
	return result
}

// detectGPU CUDA_VISIBLE_DEVICES 显式置空或 macOS 视为无 GPU，否则询问 nvidia-smi
func (l *Launcher) detectGPU(ctx context.Context) bool {
	if v, ok := l.getenv("CUDA_VISIBLE_DEVICES"); ok && strings.TrimSpace(v) == "" {
		return false
	}
	if l.goos == "darwin" {
		return false
	}
	res, err := l.runner.Run(ctx, "nvidia-smi -L")
	if err != nil || !res.Success() {
		return false
	}
	return strings.Contains(res.Output, "GPU")
}

func (l *Launcher) gpuMemoryUsage(ctx context.Context) string {
	res, err := l.runner.Run(ctx, "nvidia-smi --query-gpu=memory.used,memory.total --format=csv,noheader,nounits")
	if err != nil || !res.Success() {
		return "N/A"
	}
	var used, total int64
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		used += parseInt64(parts[0])
		total += parseInt64(parts[1])
	}
	if total == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d/%d MiB", used, total)
}

// engineCommand 按引擎生成启动命令
func engineCommand(req model.LaunchRequest, port int, gpu bool) []string {
	p := strconv.Itoa(port)
	n := strconv.Itoa(req.MaxConcurrency)
	switch req.ModelEngine {
	case model.EngineVLLM:
		cmd := []string{
			"python", "-m", "vllm.entrypoints.openai.api_server",
			"--model", req.ModelPath,
			"--served-model-name", req.ModelName,
			"--host", "0.0.0.0",
			"--port", p,
			"--max-num-seqs", n,
		}
		if !gpu {
			cmd = append(cmd, "--device", "cpu")
		}
		return cmd
	case model.EngineTGI:
		cmd := []string{
			"text-generation-launcher",
			"--model-id", req.ModelPath,
			"--hostname", "0.0.0.0",
			"--port", p,
			"--max-concurrent-requests", n,
		}
		if !gpu {
			cmd = append(cmd, "--disable-custom-kernels")
		}
		return cmd
	default:
		address := NormalizeClusterAddress(req.ClusterAddress)
		if address == "" {
			address = "auto"
		}
		return []string{
			"serve", "run",
			"--address", address,
			"ray.serve.llm:build_openai_app",
			"model_id=" + req.ModelName,
			"model_source=" + req.ModelPath,
			"max_ongoing_requests=" + n,
		}
	}
}

func engineEnv(req model.LaunchRequest, port int) map[string]string {
	env := map[string]string{}
	if addr := NormalizeClusterAddress(req.ClusterAddress); addr != "" {
		env["RAY_ADDRESS"] = addr
	}
	if req.ModelEngine == model.EngineRayServe {
		env["RAY_SERVE_DEFAULT_HTTP_HOST"] = "0.0.0.0"
		env["RAY_SERVE_DEFAULT_HTTP_PORT"] = strconv.Itoa(port)
	}
	return env
}

// cpuEnv 纯 CPU 推理的环境变量
func cpuEnv(threads int) map[string]string {
	if threads <= 0 {
		threads = 1
	}
	t := strconv.Itoa(threads)
	return map[string]string{
		"CUDA_VISIBLE_DEVICES":                        "",
		"VLLM_TARGET_DEVICE":                          "cpu",
		"VLLM_CPU_KVCACHE_SPACE":                      "4",
		"VLLM_CPU_OMP_THREADS_BIND":                   "all",
		"OMP_NUM_THREADS":                             t,
		"MKL_NUM_THREADS":                             t,
		"OPENBLAS_NUM_THREADS":                        t,
		"TORCH_DEVICE":                                "cpu",
		"PYTORCH_ENABLE_MPS_FALLBACK":                 "1",
		"TOKENIZERS_PARALLELISM":                      "false",
		"RAY_EXPERIMENTAL_NOSET_CUDA_VISIBLE_DEVICES": "1",
		"HF_HUB_OFFLINE":                              "1",
	}
}
