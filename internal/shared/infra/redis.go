// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"ray-deployer/internal/shared/cache"
	cacheredis "ray-deployer/internal/shared/cache/redis"
	"ray-deployer/internal/shared/eventbus"
	eventbusredis "ray-deployer/internal/shared/eventbus/redis"
)

// RedisInfra Redis 基础设施
//
// Cache 与 EventBus 共享同一个连接，关闭由 RedisInfra 统一负责。
type RedisInfra struct {
	cacheStore    *cacheredis.Store
	eventBusStore *eventbusredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		cacheStore:    cacheredis.NewStoreFromClient(client),
		eventBusStore: eventbusredis.NewStoreFromClient(client),
	}, nil
}

// Cache 返回缓存组件接口
func (r *RedisInfra) Cache() cache.Cache {
	return sharedConn{Cache: r.cacheStore}
}

// EventBus 返回事件总线组件接口
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return r.eventBusStore
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Ping 检查 Redis 连接
func (r *RedisInfra) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}

// sharedConn 共享连接的组件，Close 交给另一个组件负责
type sharedConn struct {
	cache.Cache
}

func (sharedConn) Close() error { return nil }
