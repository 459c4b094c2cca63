package objstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/config"
)

func TestParseURI(t *testing.T) {
	bucket, prefix, ok := ParseURI("minio://models/qwen/Qwen2-7B/")
	assert.True(t, ok)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "qwen/Qwen2-7B", prefix)

	bucket, prefix, ok = ParseURI("minio:///shared")
	assert.True(t, ok)
	assert.Empty(t, bucket)
	assert.Equal(t, "shared", prefix)

	_, _, ok = ParseURI("/data/models/qwen")
	assert.False(t, ok)
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000"})
	require.Error(t, err)

	c, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "models", c.bucket)
}
