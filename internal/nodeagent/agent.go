package nodeagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"ray-deployer/internal/config"
	"ray-deployer/internal/nodeagent/runtime"
	dockerrt "ray-deployer/internal/nodeagent/runtime/docker"
	"ray-deployer/internal/registry"
	"ray-deployer/internal/shared/auth"
	"ray-deployer/pkg/docker"
	"ray-deployer/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

// Registrar 注册中心（registry.EtcdDirectory 实现）
type Registrar interface {
	Register(ctx context.Context, inst registry.Instance) (*registry.Registration, error)
}

// Options 节点代理可选依赖
type Options struct {
	Auth      auth.Config
	Registrar Registrar       // 为空时不注册（静态注册中心部署）
	Objects   ObjectSource    // minio:// 本地模型来源
	Runtime   runtime.Runtime // 为空时按 cfg.Runtime 创建
	Metrics   *Metrics
	Logger    *logging.Logger
}

// Agent 节点代理
type Agent struct {
	cfg     config.AgentConfig
	nodeID  string
	host    string
	handler http.Handler
	reg     Registrar
	log     *logging.Logger
	closers []func() error
}

// New 组装节点代理
func New(cfg config.AgentConfig, opts Options) (*Agent, error) {
	nodeID := ResolveNodeID(cfg.NodeID)
	host := AdvertiseHost(cfg.AdvertiseHost)
	log := opts.Logger
	if log == nil {
		log = logging.Default("nodeagent")
	}
	log = log.WithNodeID(nodeID)

	a := &Agent{cfg: cfg, nodeID: nodeID, host: host, reg: opts.Registrar, log: log}

	shell := &runtime.Shell{CondaHome: cfg.CondaHome, CondaEnv: cfg.CondaEnv}
	rt := opts.Runtime
	if rt == nil {
		var err error
		if rt, err = a.servingRuntime(shell); err != nil {
			return nil, err
		}
	}

	var dlOpts []DownloaderOption
	if opts.Objects != nil {
		dlOpts = append(dlOpts, WithObjectSource(opts.Objects))
	}
	dlOpts = append(dlOpts, WithDownloadMetrics(opts.Metrics))

	h := NewHandler(nodeID, Components{
		Env:        NewEnvChecker(nodeID, host, cfg.ModelsDir, shell, cfg.CommandTimeout),
		Installer:  NewInstaller(cfg, shell),
		Cluster:    NewRayManager(shell, host, cfg.CommandTimeout),
		Downloader: NewDownloader(cfg.ModelsDir, cfg.HuggingFaceURL, cfg.ModelScopeURL, log, dlOpts...),
		Launcher: NewLauncher(LauncherConfig{
			AdvertiseHost: host,
			ServingPort:   cfg.ServingPort,
			Settle:        cfg.LaunchSettle,
			DockerImage:   cfg.DockerImage,
		}, rt, shell, opts.Metrics, log),
	}, opts.Metrics, log)

	a.handler = auth.Middleware(opts.Auth)(h.Router())
	if opts.Auth.Enabled() {
		log.Info("Service token authentication enabled")
	}
	return a, nil
}

func (a *Agent) servingRuntime(shell *runtime.Shell) (runtime.Runtime, error) {
	switch a.cfg.Runtime {
	case runtime.KindDocker:
		cli, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cli.Close)
		return dockerrt.New(cli, a.cfg.DockerImage), nil
	case runtime.KindProcess, "":
		return runtime.NewProcessRuntime(shell, filepath.Join(rayTempDir, "serve-logs")), nil
	default:
		return nil, fmt.Errorf("unknown serving runtime %q", a.cfg.Runtime)
	}
}

// NodeID 节点 ID
func (a *Agent) NodeID() string { return a.nodeID }

// Handler HTTP 处理器（含认证中间件）
func (a *Agent) Handler() http.Handler { return a.handler }

// Instance 注册到注册中心的实例信息
func (a *Agent) Instance() (registry.Instance, error) {
	port, err := strconv.Atoi(a.cfg.Port)
	if err != nil {
		return registry.Instance{}, fmt.Errorf("invalid agent port %q: %w", a.cfg.Port, err)
	}
	meta := map[string]string{}
	for k, v := range a.cfg.Labels {
		meta[k] = v
	}
	meta[registry.MetaNodeID] = a.nodeID
	meta["runtime"] = a.cfg.Runtime
	return registry.Instance{
		InstanceID: a.nodeID,
		Host:       a.host,
		Port:       port,
		Scheme:     "http",
		Metadata:   meta,
	}, nil
}

// Run 监听端口并注册，ctx 取消后注销并优雅关闭
func (a *Agent) Run(ctx context.Context) error {
	inst, err := a.Instance()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", ":"+a.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on :%s: %w", a.cfg.Port, err)
	}

	// 安装与下载可能持续数十分钟，不设置写超时
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.log.Info("Node agent listening", "addr", ln.Addr().String(), "advertise", inst.Endpoint())

	var reg *registry.Registration
	if a.reg != nil {
		reg, err = a.reg.Register(ctx, inst)
		a.log.RegistrationLog(a.nodeID, "registered", err)
		if err != nil {
			a.log.Warn("Continuing without registry registration", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			a.close()
			return fmt.Errorf("agent server: %w", err)
		}
	}

	a.log.Info("Shutting down node agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if reg != nil {
		err := reg.Deregister(shutdownCtx)
		a.log.RegistrationLog(a.nodeID, "deregistered", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Server shutdown error", "error", err)
	}
	a.close()
	return nil
}

func (a *Agent) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("Close error", "error", err)
		}
	}
}
