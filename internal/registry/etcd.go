package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig etcd 注册中心配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	LeaseTTL    int64 // 秒
}

// EtcdDirectory 基于 etcd 的注册中心
//
// 键布局：{prefix}/agents/{instanceId} → Instance JSON，绑定租约。
// 节点代理下线或租约过期后键自动删除。
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string
	ttl    int64
}

// NewEtcdDirectory 连接 etcd 并做一次健康检查
func NewEtcdDirectory(cfg EtcdConfig) (*EtcdDirectory, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints not configured")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/ray-deployer"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v (prefix=%s)", cfg.Endpoints, cfg.Prefix)
	return &EtcdDirectory{client: client, prefix: cfg.Prefix, ttl: cfg.LeaseTTL}, nil
}

// Close 关闭连接
func (d *EtcdDirectory) Close() error {
	return d.client.Close()
}

func (d *EtcdDirectory) agentsPrefix() string {
	return d.prefix + "/agents/"
}

func (d *EtcdDirectory) key(instanceID string) string {
	return d.agentsPrefix() + instanceID
}

// List 列出全部已注册实例（按键排序）
func (d *EtcdDirectory) List(ctx context.Context) ([]Instance, error) {
	resp, err := d.client.Get(ctx, d.agentsPrefix(), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return decodeInstances(resp.Kvs), nil
}

// decodeInstances 解析 etcd 键值，跳过无法解析的条目
func decodeInstances(kvs []*mvccpb.KeyValue) []Instance {
	instances := make([]Instance, 0, len(kvs))
	for _, kv := range kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			log.Printf("[etcd] Failed to unmarshal instance at %s: %v", string(kv.Key), err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances
}

// ============================================================================
// 节点代理自注册
// ============================================================================

// Registration 一次注册（租约 + 续约协程）
type Registration struct {
	dir     *EtcdDirectory
	inst    Instance
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// Register 写入实例并保持租约
//
// 续约通道关闭（例如 etcd 短暂不可用导致租约丢失）时会重新注册，
// 直到 ctx 取消或调用 Deregister。
func (d *EtcdDirectory) Register(ctx context.Context, inst Instance) (*Registration, error) {
	if inst.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = time.Now()
	}

	runCtx, cancel := context.WithCancel(ctx)
	reg := &Registration{dir: d, inst: inst, cancel: cancel, done: make(chan struct{})}

	ch, err := reg.put(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	go reg.keepAlive(runCtx, ch)
	log.Printf("[etcd] Registered agent %s at %s", inst.InstanceID, inst.Endpoint())
	return reg, nil
}

func (r *Registration) put(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	data, err := json.Marshal(r.inst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance: %w", err)
	}

	lease, err := r.dir.client.Grant(ctx, r.dir.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := r.dir.client.Put(ctx, r.dir.key(r.inst.InstanceID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("failed to put instance: %w", err)
	}

	ch, err := r.dir.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to keep lease alive: %w", err)
	}

	r.mu.Lock()
	r.leaseID = lease.ID
	r.mu.Unlock()
	return ch, nil
}

func (r *Registration) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)
	for {
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}

		log.Printf("[etcd] Lease lost for agent %s, re-registering", r.inst.InstanceID)
		for {
			var err error
			ch, err = r.put(ctx)
			if err == nil {
				break
			}
			log.Printf("[etcd] Re-register %s failed: %v", r.inst.InstanceID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Deregister 撤销租约并停止续约
func (r *Registration) Deregister(ctx context.Context) error {
	r.cancel()
	<-r.done

	r.mu.Lock()
	leaseID := r.leaseID
	r.mu.Unlock()

	if _, err := r.dir.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	log.Printf("[etcd] Deregistered agent %s", r.inst.InstanceID)
	return nil
}
