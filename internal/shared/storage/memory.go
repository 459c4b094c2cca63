package storage

import (
	"context"
	"sort"
	"sync"

	"ray-deployer/internal/shared/model"
)

// MemoryStore 进程内 DeploymentStore 实现（用于测试和无数据库的单机运行）
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*model.DeploymentResponse
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*model.DeploymentResponse)}
}

// CreateDeployment 创建部署记录
func (m *MemoryStore) CreateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[d.DeploymentID]; ok {
		return ErrDuplicate
	}
	m.items[d.DeploymentID] = d.Clone()
	return nil
}

// UpdateDeployment 更新部署记录
func (m *MemoryStore) UpdateDeployment(ctx context.Context, d *model.DeploymentResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[d.DeploymentID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return ErrConflict
	}
	m.items[d.DeploymentID] = d.Clone()
	return nil
}

// GetDeployment 获取部署记录
func (m *MemoryStore) GetDeployment(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// ListDeployments 按创建时间倒序列出部署记录
func (m *MemoryStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*model.DeploymentResponse, int, error) {
	filter.Normalize()
	m.mu.RLock()
	var matched []*model.DeploymentResponse
	for _, d := range m.items {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		matched = append(matched, d.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filter.Offset >= total {
		return []*model.DeploymentResponse{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

// Close 关闭存储
func (m *MemoryStore) Close() error {
	return nil
}

// 确保 MemoryStore 实现了 DeploymentStore 接口
var _ DeploymentStore = (*MemoryStore)(nil)
