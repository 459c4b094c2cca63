// Package main 节点代理入口
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ray-deployer/internal/config"
	"ray-deployer/internal/nodeagent"
	"ray-deployer/internal/registry"
	"ray-deployer/internal/shared/auth"
	objstore "ray-deployer/internal/shared/minio"
	"ray-deployer/pkg/logging"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		// 支持直接指定 YAML 文件路径
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Log.Component = "nodeagent"
	logger := logging.New(cfg.Log)

	log.Println("Starting node agent...")
	log.Printf("Models Dir: %s", cfg.Agent.ModelsDir)
	log.Printf("Serving runtime: %s", cfg.Agent.Runtime)

	if err := os.MkdirAll(cfg.Agent.ModelsDir, 0755); err != nil {
		log.Fatalf("Failed to create models dir: %v", err)
	}

	cfg.Agent.NodeID = nodeagent.ResolveNodeID(cfg.Agent.NodeID)
	opts := nodeagent.Options{
		Auth:    auth.Config{Secret: cfg.Auth.NodeToken, TokenTTL: cfg.Auth.TokenTTL, Issuer: cfg.Auth.Issuer},
		Metrics: nodeagent.NewMetrics("rayagent", cfg.Agent.NodeID),
		Logger:  logger,
	}

	// minio:// 本地模型来源（可选）
	if cfg.MinIO.Endpoint != "" {
		store, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Printf("WARNING: MinIO unavailable, minio:// models disabled: %v", err)
		} else {
			opts.Objects = store
			log.Printf("MinIO: %s", cfg.MinIO.Endpoint)
		}
	}

	// etcd 自注册（静态注册中心部署时跳过）
	if cfg.Registry.Source != "static" && len(cfg.EtcdEndpoints) > 0 {
		dir, err := registry.NewEtcdDirectory(registry.EtcdConfig{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      cfg.Etcd.Prefix,
			LeaseTTL:    cfg.Etcd.LeaseTTL,
		})
		if err != nil {
			log.Printf("WARNING: etcd unavailable, agent will not self-register: %v", err)
		} else {
			defer dir.Close()
			opts.Registrar = dir
		}
	}

	agent, err := nodeagent.New(cfg.Agent, opts)
	if err != nil {
		log.Fatalf("Failed to create node agent: %v", err)
	}
	log.Printf("Node ID: %s", agent.NodeID())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("Node agent error: %v", err)
	}
	log.Println("Node agent stopped")
}
