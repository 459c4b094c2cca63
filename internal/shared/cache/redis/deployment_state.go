// Package redis DeploymentState 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ray-deployer/internal/shared/cache"
	"ray-deployer/internal/shared/model"
)

func deploymentKey(id string) string {
	return cache.KeyDeploymentState + id
}

// SetDeploymentState 写入部署快照并刷新过期时间
func (s *Store) SetDeploymentState(ctx context.Context, d *model.DeploymentResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.TTLDeploymentState
	}
	snapshot, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment state: %w", err)
	}

	currentStep := ""
	if last := d.LastStep(); last != nil {
		currentStep = last.Name
	}

	key := deploymentKey(d.DeploymentID)
	data := map[string]interface{}{
		"status":       string(d.Status),
		"current_step": currentStep,
		"snapshot":     string(snapshot),
		"updated_at":   d.UpdatedAt.Format(time.RFC3339Nano),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetDeploymentState 读取部署快照，不存在时返回 (nil, nil)
func (s *Store) GetDeploymentState(ctx context.Context, id string) (*model.DeploymentResponse, error) {
	raw, err := s.client.HGet(ctx, deploymentKey(id), "snapshot").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var d model.DeploymentResponse
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment state %s: %w", id, err)
	}
	return &d, nil
}

// DeleteDeploymentState 删除部署快照
func (s *Store) DeleteDeploymentState(ctx context.Context, id string) error {
	return s.client.Del(ctx, deploymentKey(id)).Err()
}
