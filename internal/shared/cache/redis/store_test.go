package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/1"
	}
	s, err := NewStoreFromURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeploymentState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := "test-deployment-state"
	defer s.DeleteDeploymentState(ctx, id)

	got, err := s.GetDeploymentState(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	d := &model.DeploymentResponse{
		DeploymentID: id,
		ModelName:    "demo-7b",
		Status:       model.DeploymentInProgress,
		Steps: []model.DeploymentStep{
			{Name: model.StepEnvCheck, Status: model.StepInProgress, Timestamp: time.Now()},
		},
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SetDeploymentState(ctx, d, time.Minute))

	got, err = s.GetDeploymentState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.DeploymentInProgress, got.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, model.StepEnvCheck, got.Steps[0].Name)

	step, err := s.Client().HGet(ctx, deploymentKey(id), "current_step").Result()
	require.NoError(t, err)
	assert.Equal(t, model.StepEnvCheck, step)

	ttl, err := s.Client().TTL(ctx, deploymentKey(id)).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, s.DeleteDeploymentState(ctx, id))
	got, err = s.GetDeploymentState(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}
