// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：部署记录持久化（PostgreSQL / SQLite / MongoDB）
//   - Cache：进行中部署的快照缓存（Redis）
//   - EventBus：部署步骤事件（Redis Streams，未启用 Redis 时为进程内实现）
package infra

import (
	"context"
	"fmt"
	"log"

	"ray-deployer/internal/config"
	"ray-deployer/internal/shared/cache"
	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/storage"
	"ray-deployer/internal/shared/storage/dbutil"
	sqlitedriver "ray-deployer/internal/shared/storage/driver/sqlite"
	pgdriver "ray-deployer/internal/shared/storage/driver/postgres"
	"ray-deployer/internal/shared/storage/mongostore"
	"ray-deployer/internal/shared/storage/repository"
)

// DefaultMongoDBName 未配置数据库名时使用的 MongoDB 数据库
const DefaultMongoDBName = "ray_deployer"

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 部署记录存储
	Storage storage.DeploymentStore

	// Cache 部署快照缓存
	Cache cache.Cache

	// EventBus 步骤事件总线
	EventBus eventbus.EventBus

	// Redis 未启用或不可用时为 nil
	Redis *RedisInfra
}

// HealthCheck 依赖健康检查函数
type HealthCheck func(ctx context.Context) error

// HealthChecks 返回可探测的依赖（存储、Redis）
func (i *Infrastructure) HealthChecks() map[string]HealthCheck {
	checks := map[string]HealthCheck{}
	if p, ok := i.Storage.(interface{ Ping(context.Context) error }); ok {
		checks["database"] = p.Ping
	}
	if i.Redis != nil {
		checks["redis"] = i.Redis.Ping
	}
	return checks
}

// New 按配置初始化全部基础设施
//
// 数据库不可用视为启动失败；Redis 不可用时降级为进程内实现并记录警告。
func New(cfg *config.Config) (*Infrastructure, error) {
	store, err := OpenDeploymentStore(cfg.DatabaseDriver, cfg.DatabaseURL, cfg.DatabaseDBName)
	if err != nil {
		return nil, err
	}
	inf := &Infrastructure{
		Storage:  store,
		Cache:    cache.NewNoOpCache(),
		EventBus: eventbus.NewMemoryEventBus(),
	}

	if cfg.RedisEnabled {
		r, err := NewRedisInfra(cfg.RedisURL)
		if err != nil {
			log.Printf("[Infra] WARNING: Redis unavailable, using in-process state: %v", err)
		} else {
			inf.Cache = r.Cache()
			inf.EventBus = r.EventBus()
			inf.Redis = r
		}
	}
	return inf, nil
}

// OpenDeploymentStore 根据驱动类型和 DSN 创建部署记录存储
// 支持的驱动类型：postgres, sqlite, mongodb
func OpenDeploymentStore(driver, dsn, dbName string) (storage.DeploymentStore, error) {
	dt, ok := dbutil.ParseDriverType(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	switch dt {
	case dbutil.DriverMongoDB:
		if dbName == "" {
			dbName = DefaultMongoDBName
		}
		s, err := mongostore.NewStore(dsn, dbName)
		if err != nil {
			return nil, err
		}
		log.Printf("[Infra] Deployment store: mongodb/%s", dbName)
		return s, nil

	case dbutil.DriverSQLite:
		db, err := sqlitedriver.Open(dsn)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite auto-migrate failed: %w", err)
		}
		log.Printf("[Infra] Deployment store: sqlite")
		return repository.NewStore(db, dialect), nil

	default:
		db, err := pgdriver.Open(dsn)
		if err != nil {
			return nil, err
		}
		dialect := pgdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		log.Printf("[Infra] Deployment store: postgres")
		return repository.NewStore(db, dialect), nil
	}
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Cache != nil {
		if err := i.Cache.Close(); err != nil {
			lastErr = err
		}
	}

	if i.EventBus != nil {
		if err := i.EventBus.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewInMemoryInfrastructure 创建进程内基础设施（用于测试）
func NewInMemoryInfrastructure() *Infrastructure {
	return &Infrastructure{
		Storage:  storage.NewMemoryStore(),
		Cache:    cache.NewNoOpCache(),
		EventBus: eventbus.NewMemoryEventBus(),
	}
}
