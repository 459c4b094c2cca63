package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/model"
)

func dialSteps(t *testing.T, srv *httptest.Server, id, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deployments/" + id + "/steps" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func newGatewayServer(t *testing.T, svc *stubService, bus eventbus.DeploymentEventBus) *httptest.Server {
	t.Helper()
	metrics := NewMetricsWith(prometheus.NewRegistry(), "test")
	h := NewHandler(svc, bus, metrics, nil, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func publish(t *testing.T, bus eventbus.DeploymentEventBus, id, typ string, step *model.DeploymentStep, status model.DeploymentStatus) {
	t.Helper()
	require.NoError(t, bus.PublishStepEvent(context.Background(), &eventbus.StepEvent{
		DeploymentID: id,
		Type:         typ,
		Timestamp:    time.Now(),
		Status:       status,
		Step:         step,
	}))
}

func TestStepGateway_ReplayThenLive(t *testing.T) {
	bus := eventbus.NewMemoryEventBus()
	svc := newStubService(&model.DeploymentResponse{DeploymentID: "dep-1", Status: model.DeploymentInProgress})
	srv := newGatewayServer(t, svc, bus)

	publish(t, bus, "dep-1", eventbus.EventStep, &model.DeploymentStep{Name: model.StepEnvCheck, Status: model.StepInProgress}, model.DeploymentInProgress)

	conn := dialSteps(t, srv, "dep-1", "")
	assert.Equal(t, MsgSnapshot, readMessage(t, conn)["type"])

	replayed := readMessage(t, conn)
	assert.Equal(t, MsgStep, replayed["type"])

	// 等待订阅建立后再发布实时事件
	time.Sleep(50 * time.Millisecond)
	publish(t, bus, "dep-1", eventbus.EventStep, &model.DeploymentStep{Name: model.StepEnvCheck, Status: model.StepCompleted}, model.DeploymentInProgress)
	publish(t, bus, "dep-1", eventbus.EventFinished, nil, model.DeploymentCompleted)

	live := readMessage(t, conn)
	assert.Equal(t, MsgStep, live["type"])
	data := live["data"].(map[string]interface{})
	assert.Equal(t, "COMPLETED", data["step"].(map[string]interface{})["status"])

	final := readMessage(t, conn)
	assert.Equal(t, MsgFinished, final["type"])
	assert.Equal(t, "COMPLETED", final["data"].(map[string]interface{})["status"])
}

func TestStepGateway_TerminalWithoutEvents(t *testing.T) {
	bus := eventbus.NewMemoryEventBus()
	svc := newStubService(&model.DeploymentResponse{DeploymentID: "dep-2", Status: model.DeploymentFailed, Error: "boom"})
	srv := newGatewayServer(t, svc, bus)

	conn := dialSteps(t, srv, "dep-2", "")
	snap := readMessage(t, conn)
	assert.Equal(t, MsgSnapshot, snap["type"])
	assert.Equal(t, "boom", snap["data"].(map[string]interface{})["error"])

	final := readMessage(t, conn)
	assert.Equal(t, MsgFinished, final["type"])
}

func TestStepGateway_PollingWithoutEventBus(t *testing.T) {
	svc := newStubService(&model.DeploymentResponse{
		DeploymentID: "dep-3",
		Status:       model.DeploymentInProgress,
		UpdatedAt:    time.Now(),
	})
	srv := newGatewayServer(t, svc, nil)

	conn := dialSteps(t, srv, "dep-3", "")
	assert.Equal(t, "IN_PROGRESS", readMessage(t, conn)["data"].(map[string]interface{})["status"])

	svc.set(&model.DeploymentResponse{
		DeploymentID: "dep-3",
		Status:       model.DeploymentCompleted,
		UpdatedAt:    time.Now().Add(time.Second),
	})
	msg := readMessage(t, conn)
	assert.Equal(t, MsgSnapshot, msg["type"])
	assert.Equal(t, "COMPLETED", msg["data"].(map[string]interface{})["status"])
}

func TestStepGateway_UnknownDeployment(t *testing.T) {
	srv := newGatewayServer(t, newStubService(), eventbus.NewMemoryEventBus())
	resp, err := http.Get(srv.URL + "/ws/deployments/nope/steps")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
