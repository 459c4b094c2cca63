package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/model"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()

	d := &model.DeploymentResponse{DeploymentID: "d1", Status: model.DeploymentInProgress, CreatedAt: now}
	require.NoError(t, m.CreateDeployment(ctx, d))
	assert.ErrorIs(t, m.CreateDeployment(ctx, d), ErrDuplicate)

	// 存储保存的是副本
	d.ModelName = "mutated"
	got, err := m.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, got.ModelName)

	d.Status = model.DeploymentCompleted
	require.NoError(t, m.UpdateDeployment(ctx, d))
	assert.ErrorIs(t, m.UpdateDeployment(ctx, d), ErrConflict)

	_, err = m.GetDeployment(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.CreateDeployment(ctx, &model.DeploymentResponse{
		DeploymentID: "d2", Status: model.DeploymentFailed, CreatedAt: now.Add(time.Second),
	}))
	items, total, err := m.ListDeployments(ctx, DeploymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "d2", items[0].DeploymentID)

	items, total, err = m.ListDeployments(ctx, DeploymentFilter{Status: model.DeploymentCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "d1", items[0].DeploymentID)

	items, _, err = m.ListDeployments(ctx, DeploymentFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeploymentFilterNormalize(t *testing.T) {
	f := DeploymentFilter{Limit: 0, Offset: -3}
	f.Normalize()
	assert.Equal(t, DefaultListLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)

	f = DeploymentFilter{Limit: 5000}
	f.Normalize()
	assert.Equal(t, MaxListLimit, f.Limit)
}
