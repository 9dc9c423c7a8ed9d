// Package relaylink 维护到远端 relay 控制面的单条 WebSocket 连接:
// machine.hello 握手、心跳、入站 dispatch 派发、出站事件/ack 发送。
package relaylink

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
	"github.com/durangohq/bridge/pkg/util"
)

const (
	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	defaultHeartbeat = 20 * time.Second
	bridgeCLIVersion = "1.0"
)

// ClientMessage 是桥接进程发往 relay 的信封, type 决定 payload 的含义。
type ClientMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ServerMessage 是 relay 发往桥接进程的信封。
type ServerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handlers 把不同的 relay 消息类型路由到调用方提供的回调。未设置的回调
// 对应消息直接被忽略。
type Handlers struct {
	OnSessionReady func()
	OnSessionError func(reason string, recoverable bool)
	OnDispatch     func(payload json.RawMessage)
}

// Link 是到 relay 的单条 WebSocket 连接。
type Link struct {
	url          string
	token        string
	machineID    string
	userID       string
	codexVersion string
	heartbeat    time.Duration
	handlers     Handlers

	ws            *websocket.Conn
	wsMu          sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	tickerMu      sync.Mutex
	ticker        *time.Ticker
	heartbeatOnce sync.Once
}

// Options 配置一个新的 Link。
type Options struct {
	URL          string
	Token        string
	MachineID    string
	UserID       string
	CodexVersion string
	HeartbeatSec int
	Handlers     Handlers
}

// New 创建尚未连接的 Link。
func New(opts Options) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	hb := time.Duration(opts.HeartbeatSec) * time.Second
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	return &Link{
		url:          opts.URL,
		token:        opts.Token,
		machineID:    opts.MachineID,
		userID:       opts.UserID,
		codexVersion: opts.CodexVersion,
		heartbeat:    hb,
		handlers:     opts.Handlers,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect 拨号、发送 machine.hello, 并启动读循环。心跳不在这里启动,
// 而是在收到 session.ready 之后 (见 startHeartbeat)。
func (l *Link) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.token)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, l.url, header)
	if err != nil {
		return apperrors.Wrap(err, "Link.Connect", "dial relay")
	}
	l.wsMu.Lock()
	l.ws = conn
	l.wsMu.Unlock()

	if err := l.Send(ClientMessage{Type: "machine.hello", Payload: l.helloPayload()}); err != nil {
		_ = conn.Close()
		return apperrors.Wrap(err, "Link.Connect", "send machine.hello")
	}

	util.SafeGo(func() { l.readLoop() })
	logger.Info("relaylink: connected", logger.FieldMachineID, l.machineID)
	return nil
}

// helloPayload 构造 machine.hello 的完整载荷: 鉴权 token 加一份机器描述符。
func (l *Link) helloPayload() map[string]any {
	hostname, _ := os.Hostname()
	machine := map[string]any{
		"machineId":  l.machineID,
		"userId":     l.userID,
		"hostname":   hostname,
		"platform":   runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cliVersion": bridgeCLIVersion,
	}
	if l.codexVersion != "" {
		machine["codexVersion"] = l.codexVersion
	}
	return map[string]any{
		"token":   l.token,
		"machine": machine,
	}
}

func (l *Link) conn() *websocket.Conn {
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	return l.ws
}

func (l *Link) readLoop() {
	conn := l.conn()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("relaylink: read loop exiting", logger.FieldError, err)
			l.clearHeartbeat()
			return
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("relaylink: dropping malformed frame", logger.FieldError, err)
			continue
		}
		l.dispatchServerMessage(msg)
	}
}

func (l *Link) dispatchServerMessage(msg ServerMessage) {
	switch msg.Type {
	case "session.ready":
		var body struct {
			HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		l.startHeartbeat(time.Duration(body.HeartbeatIntervalMs) * time.Millisecond)
		if l.handlers.OnSessionReady != nil {
			l.handlers.OnSessionReady()
		}
	case "session.error":
		var body struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			Recoverable bool `json:"recoverable"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		if l.handlers.OnSessionError != nil {
			l.handlers.OnSessionError(body.Error.Message, body.Recoverable)
		}
	case "dispatch.request":
		if l.handlers.OnDispatch != nil {
			l.handlers.OnDispatch(msg.Payload)
		}
	default:
		logger.Warn("relaylink: unrecognized server message type", logger.FieldEventType, msg.Type)
	}
}

// startHeartbeat 在第一次 session.ready 之后启动心跳循环, 使用 relay
// 指定的间隔 (interval<=0 时回退到配置的默认值)。只生效一次: 心跳在
// session.ready 之后才开始, 绝不会在此之前发送。
func (l *Link) startHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = l.heartbeat
	}
	l.heartbeatOnce.Do(func() {
		l.tickerMu.Lock()
		l.ticker = time.NewTicker(interval)
		ticker := l.ticker
		l.tickerMu.Unlock()
		util.SafeGo(func() { l.heartbeatLoop(ticker) })
	})
}

func (l *Link) heartbeatLoop(ticker *time.Ticker) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			payload := map[string]any{"machineId": l.machineID, "timestamp": time.Now().UnixMilli()}
			if err := l.Send(ClientMessage{Type: "machine.heartbeat", Payload: payload}); err != nil {
				logger.Warn("relaylink: heartbeat send failed", logger.FieldError, err)
				return
			}
		}
	}
}

func (l *Link) clearHeartbeat() {
	l.tickerMu.Lock()
	defer l.tickerMu.Unlock()
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
}

// Send 序列化并写出一条 client message。
func (l *Link) Send(msg ClientMessage) error {
	conn := l.conn()
	if conn == nil {
		return apperrors.New("Link.Send", "not connected")
	}
	l.wsMu.Lock()
	defer l.wsMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// SendAck 是 Send 的一个便捷包装, 用作 dispatch.AckSink。
func (l *Link) SendAck(ack any) {
	if err := l.Send(ClientMessage{Type: "dispatch.ack", Payload: ack}); err != nil {
		logger.Warn("relaylink: failed to send dispatch ack", logger.FieldError, err)
	}
}

// SendEvent 推送一条 event.upsert: 一个翻译后的 downstream item, 携带
// 用于去重/关联的 requestId。
func (l *Link) SendEvent(requestID, threadID string, item any) {
	if err := l.Send(ClientMessage{Type: "event.upsert", Payload: map[string]any{
		"requestId": requestID,
		"machineId": l.machineID,
		"threadId":  threadID,
		"item":      item,
	}}); err != nil {
		logger.Warn("relaylink: failed to send event", logger.FieldError, err)
	}
}

// SendThreadUpdate 推送一条 thread.update (目前仅用于标题重命名)。
func (l *Link) SendThreadUpdate(threadID, title string) {
	if err := l.Send(ClientMessage{Type: "thread.update", Payload: map[string]string{
		"threadId": threadID,
		"title":    title,
	}}); err != nil {
		logger.Warn("relaylink: failed to send thread update", logger.FieldError, err)
	}
}

// Close 终止心跳并关闭连接。
func (l *Link) Close() error {
	l.cancel()
	l.clearHeartbeat()
	conn := l.conn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
