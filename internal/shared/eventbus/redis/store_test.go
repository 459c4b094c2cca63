package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/1"
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	s := NewStoreFromClient(client)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStepEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := "test-step-events"
	require.NoError(t, s.DeleteStepEvents(ctx, id))
	defer s.DeleteStepEvents(ctx, id)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.SubscribeStepEvents(subCtx, id)
	require.NoError(t, err)
	// XREAD 以 $ 开始，给订阅协程一点时间进入阻塞读
	time.Sleep(200 * time.Millisecond)

	first := &eventbus.StepEvent{
		DeploymentID: id,
		Type:         eventbus.EventStep,
		Timestamp:    time.Now(),
		Status:       model.DeploymentInProgress,
		Step:         &model.DeploymentStep{Name: model.StepEnvCheck, Status: model.StepInProgress},
	}
	require.NoError(t, s.PublishStepEvent(ctx, first))
	require.NotEmpty(t, first.ID)
	require.NoError(t, s.PublishStepEvent(ctx, &eventbus.StepEvent{
		DeploymentID: id,
		Type:         eventbus.EventFinished,
		Timestamp:    time.Now(),
		Status:       model.DeploymentCompleted,
	}))

	events, err := s.GetStepEvents(ctx, id, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.StepEnvCheck, events[0].Step.Name)
	assert.True(t, events[1].Terminal())

	events, err = s.GetStepEvents(ctx, id, first.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.DeploymentCompleted, events[0].Status)

	select {
	case e := <-ch:
		assert.Equal(t, first.ID, e.ID)
	case <-time.After(6 * time.Second):
		t.Fatal("expected subscribed event")
	}
}
