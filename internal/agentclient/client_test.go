package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/model"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

func handleOf(srv *httptest.Server) model.NodeHandle {
	return model.NodeHandle{NodeID: "n1", Endpoint: srv.URL, Host: "127.0.0.1"}
}

func writeEnvelope(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestCheckEnvironment_DecodesEnvelopeAndSendsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, PathCheckEnv, r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		writeEnvelope(w, model.OK(&model.NodeEnvironmentInfo{
			NodeID: "n1", Status: model.EnvOnline, PythonInstalled: true,
			GPUs: []model.GPUInfo{{Index: 0, Name: "A100", Status: model.GPUStatusIdle}},
		}, "ok"))
	}))
	defer srv.Close()

	c := New(WithTokenSource(staticToken("tkn")))
	info, err := c.CheckEnvironment(context.Background(), handleOf(srv))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tkn", gotAuth)
	assert.Equal(t, model.EnvOnline, info.Status)
	require.Len(t, info.GPUs, 1)
	assert.True(t, info.GPUs[0].Available())
}

func TestStartHead_PostsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.StartHeadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 6379, req.RayPort)
		assert.Equal(t, int64(8*model.GiB), req.Memory)
		writeEnvelope(w, model.OK(&model.RayNodeResult{Success: true, ClusterAddress: "10.0.0.5:6379"}, ""))
	}))
	defer srv.Close()

	req := model.NewStartHeadRequest(model.EngineConfig{NumCPUs: 4, Memory: 8 * model.GiB})
	res, err := New().StartHead(context.Background(), handleOf(srv), req)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:6379", res.ClusterAddress)
}

func TestCall_EnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, model.Fail[*model.InstallResult](500, "conda missing"))
	}))
	defer srv.Close()

	_, err := New().InstallEnvironment(context.Background(), handleOf(srv), model.InstallRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentFailure))
	assert.Contains(t, err.Error(), "conda missing")
}

func TestCall_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New().DownloadModel(context.Background(), handleOf(srv), model.DownloadRequest{ModelName: "m"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConnectionRefused(err))
}

func TestCall_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	node := model.NodeHandle{NodeID: "n1", Endpoint: "http://" + addr}
	_, err = New().DownloadModel(context.Background(), node, model.DownloadRequest{ModelName: "m"})
	require.Error(t, err)
	assert.True(t, IsConnectionRefused(err))
	assert.False(t, IsNotFound(err))
}

func TestCall_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New().CheckEnvironment(ctx, handleOf(srv))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", errorMessage([]byte(`{"message":"boom"}`), "500"))
	assert.Equal(t, "bad", errorMessage([]byte(`{"error":"bad"}`), "400"))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text\n"), "502"))
	assert.Equal(t, "503 Service Unavailable", errorMessage(nil, "503 Service Unavailable"))
}
