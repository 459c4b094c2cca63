package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/config"
)

type failingDirectory struct{}

func (failingDirectory) List(ctx context.Context) ([]Instance, error) {
	return nil, errors.New("registry unavailable")
}

func testInstances() []Instance {
	return []Instance{
		{InstanceID: "agent-gpu-01", Host: "10.0.0.5", Port: 15800},
		{InstanceID: "agent-gpu-02", Host: "10.0.0.6", Port: 15800, Metadata: map[string]string{MetaNodeID: "n2"}},
		{InstanceID: "agent-cpu-03", Host: "10.0.0.7", Port: 15801, Metadata: map[string]string{MetaNodeIDDash: "n3"}},
	}
}

func TestInstance_Matches(t *testing.T) {
	inst := Instance{InstanceID: "agent-gpu-01", Host: "10.0.0.5", Metadata: map[string]string{MetaNodeID: "alpha"}}

	assert.True(t, inst.Matches("agent-gpu-01"), "instance id")
	assert.True(t, inst.Matches("10.0.0.5"), "host")
	assert.True(t, inst.Matches("alpha"), "metadata nodeId")
	assert.True(t, inst.Matches("gpu-01"), "substring of instance id")
	assert.True(t, inst.Matches("0.0.5"), "substring of host")
	assert.False(t, inst.Matches("beta"))
	assert.False(t, inst.Matches(""))
}

func TestLookup_ResolvesKnownIDs(t *testing.T) {
	dir := NewStaticDirectory(testInstances()...)

	handles := Lookup(context.Background(), dir, []string{"agent-gpu-01", "n2", "n3", "missing"})

	require.Len(t, handles, 3)
	assert.Equal(t, "http://10.0.0.5:15800", handles["agent-gpu-01"].Endpoint)
	assert.Equal(t, "10.0.0.6", handles["n2"].Host)
	assert.Equal(t, "n2", handles["n2"].NodeID)
	assert.Equal(t, "http://10.0.0.7:15801", handles["n3"].Endpoint)
	_, ok := handles["missing"]
	assert.False(t, ok)
}

// TestLookup_FirstMatchWins 子串可能匹配多个实例，取注册中心顺序中的第一个
func TestLookup_FirstMatchWins(t *testing.T) {
	dir := NewStaticDirectory(testInstances()...)

	handles := Lookup(context.Background(), dir, []string{"agent-gpu"})

	require.Len(t, handles, 1)
	assert.Equal(t, "10.0.0.5", handles["agent-gpu"].Host)
}

func TestLookup_ExactMatchBeatsEarlierSubstring(t *testing.T) {
	dir := NewStaticDirectory(
		Instance{InstanceID: "n10", Host: "10.0.0.10", Port: 15800},
		Instance{InstanceID: "n1", Host: "10.0.0.1", Port: 15800},
	)

	handles := Lookup(context.Background(), dir, []string{"n1", "n10"})

	require.Len(t, handles, 2)
	assert.Equal(t, "http://10.0.0.1:15800", handles["n1"].Endpoint)
	assert.Equal(t, "http://10.0.0.10:15800", handles["n10"].Endpoint)
}

func TestLookup_SubstringFallback(t *testing.T) {
	dir := NewStaticDirectory(
		Instance{InstanceID: "agent-gpu-01", Host: "10.0.0.5", Port: 15800},
		Instance{InstanceID: "agent-gpu-02", Host: "10.0.0.6", Port: 15800},
	)

	handles := Lookup(context.Background(), dir, []string{"gpu-02"})

	require.Len(t, handles, 1)
	assert.Equal(t, "10.0.0.6", handles["gpu-02"].Host)
}

func TestLookup_DirectoryFailureYieldsEmptyMap(t *testing.T) {
	handles := Lookup(context.Background(), failingDirectory{}, []string{"n1"})
	assert.NotNil(t, handles)
	assert.Empty(t, handles)
}

func TestNewStaticDirectoryFromConfig_DefaultPort(t *testing.T) {
	dir := NewStaticDirectoryFromConfig([]config.StaticNode{
		{InstanceID: "a", Host: "h1"},
		{InstanceID: "b", Host: "h2", Port: 9000},
	})
	list, err := dir.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "http://h1:15800", list[0].Endpoint())
	assert.Equal(t, "http://h2:9000", list[1].Endpoint())
}

func TestDecodeInstances_SkipsMalformed(t *testing.T) {
	good, err := json.Marshal(Instance{InstanceID: "agent-1", Host: "h", Port: 1})
	require.NoError(t, err)

	kvs := []*mvccpb.KeyValue{
		{Key: []byte("/ray-deployer/agents/agent-1"), Value: good},
		{Key: []byte("/ray-deployer/agents/bad"), Value: []byte("{not json")},
	}

	got := decodeInstances(kvs)
	require.Len(t, got, 1)
	assert.Equal(t, "agent-1", got[0].InstanceID)
}
