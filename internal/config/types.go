// Package config 统一配置管理
//
// API Server 与节点代理共用同一 YAML schema，通过不同章节（section）区分。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 密码/密钥只从环境变量读取，YAML 中不存储任何凭据。
//
// 配置路径确定策略：
//  1. --config 命令行参数（SetConfigDir）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/ray-deployer/，dev/test → ./configs/
package config

import (
	"time"

	"ray-deployer/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer APIServerConfig `yaml:"api_server"` // API Server（端口 + URL）
	Database  DatabaseConfig  `yaml:"database"`   // 部署记录存储
	Redis     RedisConfig     `yaml:"redis"`      // 部署状态缓存 + 步骤事件流
	Etcd      EtcdConfig      `yaml:"etcd"`       // 节点注册中心
	MinIO     MinIOConfig     `yaml:"minio"`      // 本地模型对象存储（节点代理）
	Auth      AuthConfig      `yaml:"auth"`       // 编排器与节点代理之间的服务令牌
	Deploy    DeployConfig    `yaml:"deploy"`     // 部署工作流（并发度与超时）
	Registry  RegistryConfig  `yaml:"registry"`   // 注册中心来源
	Agent     AgentConfig     `yaml:"agent"`      // 节点代理
	Log       logging.Config  `yaml:"log"`        // 日志
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"`
	URL  string `yaml:"url"`
}

// DatabaseConfig 部署记录存储配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres", "sqlite", or "mongodb"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port）
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
	Enabled  bool   `yaml:"enabled"`
}

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    int64         `yaml:"lease_ttl"` // 节点注册租约（秒）
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"` // 默认 bucket
}

// AuthConfig 认证配置
type AuthConfig struct {
	NodeToken string        `yaml:"-"`         // 只从 NODE_TOKEN 环境变量读取（共享密钥）
	TokenTTL  time.Duration `yaml:"token_ttl"` // 服务令牌有效期
	Issuer    string        `yaml:"issuer"`
}

// DeployConfig 部署工作流配置
//
// 超时为 0 表示不设上限（模型下载默认如此）。
type DeployConfig struct {
	PoolSize         int64         `yaml:"pool_size"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	InstallTimeout   time.Duration `yaml:"install_timeout"`
	HeadStartTimeout time.Duration `yaml:"head_start_timeout"`
	HeadSettleDelay  time.Duration `yaml:"head_settle_delay"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	JoinBarrier      time.Duration `yaml:"join_barrier"`
	JoinCollect      time.Duration `yaml:"join_collect"`
	HealthTimeout    time.Duration `yaml:"health_timeout"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	LaunchTimeout    time.Duration `yaml:"launch_timeout"`
	StateTTL         time.Duration `yaml:"state_ttl"` // Redis 中进行中部署快照的过期时间
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	Source string       `yaml:"source"` // "etcd" or "static"
	Nodes  []StaticNode `yaml:"nodes"`
}

// StaticNode 静态注册的节点（无 etcd 的开发环境使用）
type StaticNode struct {
	InstanceID string            `yaml:"instance_id"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	Metadata   map[string]string `yaml:"metadata"`
}

// AgentConfig 节点代理配置
type AgentConfig struct {
	NodeID             string            `yaml:"node_id"`
	Port               string            `yaml:"port"`
	AdvertiseHost      string            `yaml:"advertise_host"`
	ModelsDir          string            `yaml:"models_dir"`
	CondaHome          string            `yaml:"conda_home"`
	CondaEnv           string            `yaml:"conda_env"`
	Runtime            string            `yaml:"runtime"` // "process" or "docker"
	DockerImage        string            `yaml:"docker_image"`
	HuggingFaceURL     string            `yaml:"huggingface_url"`
	ModelScopeURL      string            `yaml:"modelscope_url"`
	ServingPort        int               `yaml:"serving_port"`
	LaunchSettle       time.Duration     `yaml:"launch_settle"`
	CommandTimeout     time.Duration     `yaml:"command_timeout"`
	InstallTimeout     time.Duration     `yaml:"install_timeout"`
	Labels             map[string]string `yaml:"labels"`
	PipIndexURL        string            `yaml:"pip_index_url"`
	MinicondaInstaller string            `yaml:"miniconda_installer"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	DatabaseDBName string
	RedisURL       string
	RedisEnabled   bool
	EtcdEndpoints  []string
	Etcd           EtcdConfig
	APIPort        string
	APIServer      APIServerConfig
	MinIO          MinIOConfig
	Auth           AuthConfig
	Deploy         DeployConfig
	Registry       RegistryConfig
	Agent          AgentConfig
	Log            logging.Config
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
