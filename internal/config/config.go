package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ray-deployer/pkg/logging"
)

// Load 加载配置
//
//  1. 加载 .env.{env}（敏感信息）
//  2. 读取 {env}.yaml 覆盖默认值
//  3. 环境变量覆盖
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig()
	if err != nil {
		return nil, err
	}

	yamlCfg.Database.Password = os.Getenv("DB_PASSWORD")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = os.Getenv("MINIO_ROOT_USER")
	yamlCfg.MinIO.SecretKey = os.Getenv("MINIO_ROOT_PASSWORD")
	yamlCfg.Auth.NodeToken = os.Getenv("NODE_TOKEN")

	databaseURL := os.Getenv("DATABASE_URL")
	driver := detectDatabaseDriver(getEnv("DATABASE_DRIVER", yamlCfg.Database.Driver), databaseURL)
	if databaseURL == "" {
		db := yamlCfg.Database
		db.Driver = driver
		databaseURL = buildDatabaseURL(db, db.Password)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    databaseURL,
		DatabaseDBName: getEnv("MONGO_DB_NAME", yamlCfg.Database.Name),
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		RedisEnabled:   yamlCfg.Redis.Enabled || os.Getenv("REDIS_URL") != "",
		Etcd:           yamlCfg.Etcd,
		APIPort:        getEnv("API_PORT", yamlCfg.APIServer.Port),
		APIServer:      yamlCfg.APIServer,
		MinIO:          yamlCfg.MinIO,
		Auth:           yamlCfg.Auth,
		Deploy:         yamlCfg.Deploy,
		Registry:       yamlCfg.Registry,
		Agent:          yamlCfg.Agent,
		Log:            yamlCfg.Log,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.EtcdEndpoints = cfg.Etcd.Endpoints
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = splitList(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("REGISTRY_SOURCE"); v != "" {
		cfg.Registry.Source = v
	}

	applyAgentEnv(&cfg.Agent)
	applyDeployEnv(&cfg.Deploy)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Deploy.validate()
	cfg.Agent.validate()
	return cfg, nil
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig() (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: defaults()}

	path := findConfigFile()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.loadedFrom = path
	return cfg, nil
}

// defaults 代码默认值
func defaults() YAMLConfig {
	return YAMLConfig{
		APIServer: APIServerConfig{Port: "8080"},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "deployer",
			Name:    "ray_deployer",
			SSLMode: "disable",
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			Prefix:      "/ray-deployer",
			DialTimeout: 5 * time.Second,
			LeaseTTL:    30,
		},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "models"},
		Auth:     AuthConfig{TokenTTL: 10 * time.Minute, Issuer: "ray-deployer"},
		Deploy:   defaultDeployConfig(),
		Registry: RegistryConfig{Source: "etcd"},
		Agent:    defaultAgentConfig(),
		Log:      logging.Config{Level: "info", Format: "text", Output: "stdout"},
	}
}

func defaultDeployConfig() DeployConfig {
	return DeployConfig{
		PoolSize:         10,
		ProbeTimeout:     30 * time.Second,
		InstallTimeout:   30 * time.Minute,
		HeadStartTimeout: 2 * time.Minute,
		HeadSettleDelay:  5 * time.Second,
		JoinTimeout:      2 * time.Minute,
		JoinBarrier:      60 * time.Second,
		JoinCollect:      5 * time.Second,
		HealthTimeout:    30 * time.Second,
		LaunchTimeout:    2 * time.Minute,
		StateTTL:         24 * time.Hour,
	}
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Port:           "15800",
		ModelsDir:      "/tmp/ray/models",
		CondaHome:      "$HOME/miniconda3",
		CondaEnv:       "ray",
		Runtime:        "process",
		DockerImage:    "vllm/vllm-openai:latest",
		HuggingFaceURL: "https://huggingface.co",
		ModelScopeURL:  "https://modelscope.cn",
		ServingPort:    8000,
		LaunchSettle:   15 * time.Second,
		CommandTimeout: 2 * time.Minute,
		InstallTimeout: 30 * time.Minute,
	}
}

// DefaultDeployConfig 默认工作流配置（测试与嵌入使用）
func DefaultDeployConfig() DeployConfig {
	return defaultDeployConfig()
}

// DefaultAgentConfig 默认节点代理配置
func DefaultAgentConfig() AgentConfig {
	return defaultAgentConfig()
}

func applyAgentEnv(a *AgentConfig) {
	a.NodeID = getEnv("AGENT_NODE_ID", a.NodeID)
	a.Port = getEnv("AGENT_PORT", a.Port)
	a.AdvertiseHost = getEnv("AGENT_ADVERTISE_HOST", a.AdvertiseHost)
	a.ModelsDir = getEnv("AGENT_MODELS_DIR", a.ModelsDir)
	a.Runtime = getEnv("AGENT_RUNTIME", a.Runtime)
	a.HuggingFaceURL = getEnv("HF_ENDPOINT", a.HuggingFaceURL)
	a.ModelScopeURL = getEnv("MODELSCOPE_ENDPOINT", a.ModelScopeURL)
	a.PipIndexURL = getEnv("PIP_INDEX_URL", a.PipIndexURL)
}

func applyDeployEnv(d *DeployConfig) {
	envInt64("DEPLOY_POOL_SIZE", &d.PoolSize)
	envDuration("DEPLOY_PROBE_TIMEOUT", &d.ProbeTimeout)
	envDuration("DEPLOY_HEALTH_TIMEOUT", &d.HealthTimeout)
	envDuration("DEPLOY_JOIN_BARRIER", &d.JoinBarrier)
	envDuration("DEPLOY_DOWNLOAD_TIMEOUT", &d.DownloadTimeout)
	envDuration("DEPLOY_LAUNCH_TIMEOUT", &d.LaunchTimeout)
}

// validate 填充工作流默认值；负数超时视为未设置
func (d *DeployConfig) validate() {
	def := defaultDeployConfig()
	if d.PoolSize <= 0 {
		d.PoolSize = def.PoolSize
	}
	fill := func(v *time.Duration, dv time.Duration) {
		if *v <= 0 {
			*v = dv
		}
	}
	fill(&d.ProbeTimeout, def.ProbeTimeout)
	fill(&d.InstallTimeout, def.InstallTimeout)
	fill(&d.HeadStartTimeout, def.HeadStartTimeout)
	fill(&d.JoinTimeout, def.JoinTimeout)
	fill(&d.JoinBarrier, def.JoinBarrier)
	fill(&d.JoinCollect, def.JoinCollect)
	fill(&d.HealthTimeout, def.HealthTimeout)
	fill(&d.LaunchTimeout, def.LaunchTimeout)
	fill(&d.StateTTL, def.StateTTL)
	if d.HeadSettleDelay < 0 {
		d.HeadSettleDelay = 0
	}
	if d.DownloadTimeout < 0 {
		d.DownloadTimeout = 0
	}
}

// validate 填充节点代理默认值
func (a *AgentConfig) validate() {
	def := defaultAgentConfig()
	if a.Port == "" {
		a.Port = def.Port
	}
	if a.ModelsDir == "" {
		a.ModelsDir = def.ModelsDir
	}
	if a.CondaEnv == "" {
		a.CondaEnv = def.CondaEnv
	}
	if a.ServingPort == 0 {
		a.ServingPort = def.ServingPort
	}
	if a.LaunchSettle <= 0 {
		a.LaunchSettle = def.LaunchSettle
	}
	if a.CommandTimeout <= 0 {
		a.CommandTimeout = def.CommandTimeout
	}
	if a.InstallTimeout <= 0 {
		a.InstallTimeout = def.InstallTimeout
	}
	a.Runtime = strings.ToLower(a.Runtime)
	if a.Runtime != "docker" {
		a.Runtime = "process"
	}
}
