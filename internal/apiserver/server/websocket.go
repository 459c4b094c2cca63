package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ray-deployer/internal/apiserver/deploy"
	"ray-deployer/internal/shared/eventbus"
	"ray-deployer/internal/shared/model"
	"ray-deployer/internal/shared/storage"
	"ray-deployer/pkg/logging"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsPollInterval = time.Second
	wsReplayLimit  = 500
)

// 推送消息类型
const (
	MsgSnapshot = "snapshot"
	MsgStep     = "step"
	MsgFinished = "finished"
)

// WSMessage 推送给客户端的消息
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// StepGateway 部署步骤 WebSocket 网关
//
// 连接建立后先推送当前快照，再回放 from 之后的历史事件，之后推送实时事件；
// 部署进入终态后发送 finished 并关闭连接。没有事件总线时降级为轮询快照。
type StepGateway struct {
	deployments deploy.Service
	events      eventbus.DeploymentEventBus
	metrics     *Metrics
	log         *logging.Logger
}

// NewStepGateway 创建网关
func NewStepGateway(svc deploy.Service, events eventbus.DeploymentEventBus, metrics *Metrics, log *logging.Logger) *StepGateway {
	if log == nil {
		log = logging.Discard()
	}
	return &StepGateway{deployments: svc, events: events, metrics: metrics, log: log}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/deployments/{id}/steps
//
// 查询参数：
//   - from: 最后收到的事件 ID（不包含），用于断线重连
//
// 推送消息格式：
//
//	{"type": "snapshot", "data": DeploymentResponse}
//	{"type": "step", "data": StepEvent}
//	{"type": "finished", "data": StepEvent}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *StepGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "deployment id required", http.StatusBadRequest)
		return
	}

	snapshot, err := g.deployments.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "deployment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load deployment", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("[WS] upgrade failed", "deployment_id", id, "error", err)
		return
	}
	defer conn.Close()

	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
		defer g.metrics.WSConnectionClosed()
	}
	g.log.Debug("[WS] client connected", "deployment_id", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan WSMessage, 16)
	go g.readPump(conn, cancel, out)

	if g.events != nil {
		g.streamEvents(ctx, conn, out, snapshot, r.URL.Query().Get("from"))
		return
	}
	g.pollSnapshots(ctx, conn, out, snapshot)
}

// streamEvents 事件驱动模式
func (g *StepGateway) streamEvents(ctx context.Context, conn *websocket.Conn, out chan WSMessage, snapshot *model.DeploymentResponse, fromID string) {
	// 先订阅再回放，避免两者之间的事件丢失
	sub, err := g.events.SubscribeStepEvents(ctx, snapshot.DeploymentID)
	if err != nil {
		g.log.Warn("[WS] subscribe failed, falling back to polling", "deployment_id", snapshot.DeploymentID, "error", err)
		g.pollSnapshots(ctx, conn, out, snapshot)
		return
	}

	if !g.send(conn, WSMessage{Type: MsgSnapshot, Data: snapshot}) {
		return
	}

	seen := map[string]bool{}
	history, err := g.events.GetStepEvents(ctx, snapshot.DeploymentID, fromID, wsReplayLimit)
	if err != nil {
		g.log.Warn("[WS] replay failed", "deployment_id", snapshot.DeploymentID, "error", err)
	}
	for _, ev := range history {
		seen[ev.ID] = true
		if !g.send(conn, eventMessage(ev)) || ev.Terminal() {
			return
		}
	}
	// 终态且事件已过期：快照即最终结果
	if snapshot.Status.IsTerminal() && len(history) == 0 {
		g.send(conn, WSMessage{Type: MsgFinished, Data: &eventbus.StepEvent{
			DeploymentID: snapshot.DeploymentID,
			Type:         eventbus.EventFinished,
			Timestamp:    snapshot.UpdatedAt,
			Status:       snapshot.Status,
		}})
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			if !g.send(conn, msg) {
				return
			}
		case <-ping.C:
			if !g.ping(conn) {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if seen[ev.ID] {
				continue
			}
			if !g.send(conn, eventMessage(ev)) || ev.Terminal() {
				return
			}
		}
	}
}

// pollSnapshots 轮询模式：快照变化时推送，终态后结束
func (g *StepGateway) pollSnapshots(ctx context.Context, conn *websocket.Conn, out chan WSMessage, snapshot *model.DeploymentResponse) {
	if !g.send(conn, WSMessage{Type: MsgSnapshot, Data: snapshot}) {
		return
	}
	if snapshot.Status.IsTerminal() {
		return
	}

	last := snapshot.UpdatedAt
	ticker := time.NewTicker(wsPollInterval)
	ping := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			if !g.send(conn, msg) {
				return
			}
		case <-ping.C:
			if !g.ping(conn) {
				return
			}
		case <-ticker.C:
			cur, err := g.deployments.Get(ctx, snapshot.DeploymentID)
			if err != nil {
				g.log.Warn("[WS] poll failed", "deployment_id", snapshot.DeploymentID, "error", err)
				continue
			}
			if !cur.UpdatedAt.After(last) {
				continue
			}
			last = cur.UpdatedAt
			if !g.send(conn, WSMessage{Type: MsgSnapshot, Data: cur}) || cur.Status.IsTerminal() {
				return
			}
		}
	}
}

// readPump 读取客户端消息；连接关闭时取消上下文
//
// 回复通过 out 交给写协程发送，保证同一连接只有一个写者。
func (g *StepGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc, out chan<- WSMessage) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.log.Debug("[WS] read error", "error", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			select {
			case out <- WSMessage{Type: "pong"}:
			default:
			}
		}
	}
}

func (g *StepGateway) send(conn *websocket.Conn, msg WSMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		g.log.Debug("[WS] write failed", "error", err)
		return false
	}
	if g.metrics != nil {
		g.metrics.RecordWSMessage(msg.Type)
	}
	return true
}

func (g *StepGateway) ping(conn *websocket.Conn) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.PingMessage, nil) == nil
}

func eventMessage(ev *eventbus.StepEvent) WSMessage {
	if ev.Terminal() {
		return WSMessage{Type: MsgFinished, Data: ev}
	}
	return WSMessage{Type: MsgStep, Data: ev}
}
