package nodeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/agentclient"
	"ray-deployer/internal/shared/auth"
	"ray-deployer/internal/shared/model"
)

type stubEnv struct{}

func (stubEnv) Check(ctx context.Context) *model.NodeEnvironmentInfo {
	return &model.NodeEnvironmentInfo{NodeID: "node-1", Status: model.EnvOnline, PythonInstalled: true}
}

type stubInstaller struct{ last model.InstallRequest }

func (s *stubInstaller) Install(ctx context.Context, req model.InstallRequest) *model.InstallResult {
	s.last = req
	return &model.InstallResult{Success: false, ErrorMessage: "ray install failed with exit code 1"}
}

type stubCluster struct{}

func (stubCluster) StartHead(ctx context.Context, req model.StartHeadRequest) *model.RayNodeResult {
	return &model.RayNodeResult{Success: true, NodeStatus: "head", ClusterAddress: "10.0.0.5:6379"}
}

func (stubCluster) JoinCluster(ctx context.Context, req model.JoinClusterRequest) *model.RayNodeResult {
	return &model.RayNodeResult{Success: true, NodeStatus: "worker", ClusterAddress: req.ClusterAddress}
}

func (stubCluster) ClusterStatus(ctx context.Context, req model.ClusterStatusRequest) *model.ClusterStatusResult {
	return &model.ClusterStatusResult{Status: model.ClusterHealthy, NodeCount: 2}
}

type stubDownloader struct{}

func (stubDownloader) Download(ctx context.Context, req model.DownloadRequest) *model.DownloadResult {
	return &model.DownloadResult{Status: model.RemoteFailed, Error: "no model files found"}
}

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context, req model.LaunchRequest) *model.LaunchResult {
	return &model.LaunchResult{Status: model.RemoteSuccess, ServiceStatus: ServiceRunning, MaxConcurrency: req.MaxConcurrency}
}

func newTestHandler(t *testing.T) (*Handler, *stubInstaller, *Metrics) {
	reg := prometheus.NewRegistry()
	metrics := NewMetricsWith(reg, reg, "rayagent", "node-1")
	inst := &stubInstaller{}
	h := NewHandler("node-1", Components{
		Env:        stubEnv{},
		Installer:  inst,
		Cluster:    stubCluster{},
		Downloader: stubDownloader{},
		Launcher:   stubLauncher{},
	}, metrics, nil)
	return h, inst, metrics
}

func decodeEnvelope[T any](t *testing.T, rec *httptest.ResponseRecorder) model.Result[*T] {
	t.Helper()
	var env model.Result[*T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHandler_CheckEnvironment(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, agentclient.PathCheckEnv, nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope[model.NodeEnvironmentInfo](t, rec)
	assert.True(t, env.Success)
	assert.Equal(t, 200, env.Code)
	require.NotNil(t, env.Data)
	assert.Equal(t, "node-1", env.Data.NodeID)
}

func TestHandler_OperationFailureStillWrappedAsSuccess(t *testing.T) {
	h, inst, _ := newTestHandler(t)
	body := `{"installMiniconda":false,"installRay":true,"installModelEngines":true}`
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, agentclient.PathInstallEnv, strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope[model.InstallResult](t, rec)
	assert.True(t, env.Success)
	require.NotNil(t, env.Data)
	assert.False(t, env.Data.Success)
	assert.Equal(t, "ray install failed with exit code 1", env.Data.ErrorMessage)
	assert.True(t, inst.last.InstallRay)
	assert.True(t, inst.last.InstallModelEngines)
}

func TestHandler_Routes(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := h.Router()

	cases := []struct {
		path string
		body string
	}{
		{agentclient.PathStartHead, `{"rayPort":6379}`},
		{agentclient.PathJoinCluster, `{"clusterAddress":"10.0.0.5:6379"}`},
		{agentclient.PathClusterStatus, `{"clusterAddress":"10.0.0.5:6379"}`},
		{agentclient.PathDownloadModel, `{"modelName":"m","modelSource":"huggingface"}`},
		{agentclient.PathLaunchService, `{"modelName":"m","modelPath":"/tmp/m","maxConcurrency":4}`},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"success":true`)
		})
	}
}

func TestHandler_InvalidBody(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, agentclient.PathStartHead, strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope[model.RayNodeResult](t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, http.StatusBadRequest, env.Code)
	assert.Contains(t, env.Message, "invalid request body")
}

func TestHandler_WrongMethod(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, agentclient.PathStartHead, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := h.Router()

	// 先产生一次调用，使指标出现在输出中
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, agentclient.PathDownloadModel, strings.NewReader(`{"modelName":"m"}`)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nodeId":"node-1"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rayagent_operations_total{node_id="node-1",operation="download-model",status="failed"} 1`)
}

func TestHandler_WithAuthMiddleware(t *testing.T) {
	h, _, _ := newTestHandler(t)
	cfg := auth.Config{Secret: "s3cret", TokenTTL: time.Minute, Issuer: "ray-deployer"}
	router := auth.Middleware(cfg)(h.Router())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, agentclient.PathCheckEnv, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewSigner(cfg, "orchestrator").Token()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, agentclient.PathCheckEnv, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
