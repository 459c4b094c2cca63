// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/apiserver/deploy"
	"ray-deployer/internal/apiserver/server"
	"ray-deployer/internal/config"
	"ray-deployer/internal/registry"
	"ray-deployer/internal/shared/auth"
	"ray-deployer/internal/shared/infra"
	"ray-deployer/pkg/logging"
)

func main() {
	// 加载配置（.env.{env} → {env}.yaml → 环境变量）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.Log.Component = "api-server"
	logger := logging.New(cfg.Log)

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 存储、缓存、事件总线
	inf, err := infra.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()

	dir, closeDir, err := openDirectory(cfg)
	if err != nil {
		log.Fatalf("Failed to open node registry: %v", err)
	}
	defer closeDir()

	// 编排器 → 节点代理的服务令牌
	authCfg := auth.Config{Secret: cfg.Auth.NodeToken, TokenTTL: cfg.Auth.TokenTTL, Issuer: cfg.Auth.Issuer}
	var clientOpts []agentclient.Option
	if authCfg.Enabled() {
		clientOpts = append(clientOpts, agentclient.WithTokenSource(auth.NewSigner(authCfg, "orchestrator")))
		log.Println("Node agent authentication enabled")
	} else {
		log.Println("WARNING: NODE_TOKEN not set, node agent calls are unauthenticated")
	}
	client := agentclient.New(clientOpts...)

	metrics := server.NewMetrics("ray_deployer")
	orch := deploy.NewOrchestrator(dir, client, cfg.Deploy,
		deploy.WithStore(inf.Storage),
		deploy.WithCache(inf.Cache),
		deploy.WithEventBus(inf.EventBus),
		deploy.WithRecorder(metrics),
		deploy.WithLogger(logger),
	)

	validator, err := deploy.NewRequestValidator()
	if err != nil {
		log.Fatalf("Failed to load API document: %v", err)
	}

	h := server.NewHandler(orch, inf.EventBus, metrics, validator, logger)
	for name, check := range inf.HealthChecks() {
		h.AddHealthCheck(name, server.HealthCheck(check))
	}

	// 同步部署可能持续较长时间，不设置写超时
	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           h.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := orch.Shutdown(ctx); err != nil {
			log.Printf("Orchestrator shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openDirectory 按 registry.source 选择注册中心
func openDirectory(cfg *config.Config) (registry.Directory, func(), error) {
	if cfg.Registry.Source == "static" {
		log.Printf("Using static registry with %d nodes", len(cfg.Registry.Nodes))
		return registry.NewStaticDirectoryFromConfig(cfg.Registry.Nodes), func() {}, nil
	}
	dir, err := registry.NewEtcdDirectory(registry.EtcdConfig{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Prefix:      cfg.Etcd.Prefix,
		LeaseTTL:    cfg.Etcd.LeaseTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Connected to etcd registry %v", cfg.EtcdEndpoints)
	return dir, func() { dir.Close() }, nil
}
