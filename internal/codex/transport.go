// transport.go — JSON-RPC 2.0 传输层: 拨号、读循环、请求关联。
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
	"github.com/durangohq/bridge/pkg/util"
)

const (
	// requestTimeout 是所有 agent JSON-RPC 调用的统一超时。
	requestTimeout = 30 * time.Second

	// connectAttemptTimeout 是单次拨号尝试的超时。
	connectAttemptTimeout = 2 * time.Second

	// connectAggregateTimeout 是初次连接阶段允许的总耗时。
	connectAggregateTimeout = 25 * time.Second

	pingInterval     = 25 * time.Second
	readIdleTimeout  = 90 * time.Second
	probeDialTimeout = 1500 * time.Millisecond
)

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCNotification 无 id 的 JSON-RPC 通知。
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCMessage 读取解析用的通用消息外壳。
//
// ID 可能完全缺失 (通知), 也可能在 agent 发起的请求里出现 — 两者都解析为
// *string, 通过 nil 区分。agent 回复里缺失 "jsonrpc" 字段时按 spec.md 的
// 约定仍旧接受, 只要消息带 id 或 method 即可判定为合法 JSON-RPC 帧。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result,omitempty"`
}

// pendingCall 是一个等待响应的 JSON-RPC 调用。
type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
	once   sync.Once
}

func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// NotificationHandler 接收 agent 发来的通知 (method + raw params)。
type NotificationHandler func(method string, params json.RawMessage)

// Transport 是到本地 agent 进程的单条 JSON-RPC WebSocket 连接。
//
// 生命周期是 single-shot: 初次连接允许有限重试 (见 connect), 一旦建立后
// 连接中断即视为致命, 不会自动重连 — 这与 agent 会话绑定整个进程生命周期
// 的设计相符。
type Transport struct {
	addr string

	ws   *websocket.Conn
	wsMu sync.Mutex

	pending sync.Map // string id → *pendingCall

	onNotify NotificationHandler

	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool
	fatal  chan error // receives the exit cause once when the read loop dies (not after Close)
}

// NewTransport 创建尚未连接的 Transport。addr 形如 "127.0.0.1:PORT"。
func NewTransport(addr string, onNotify NotificationHandler) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		addr:     addr,
		onNotify: onNotify,
		ctx:      ctx,
		cancel:   cancel,
		fatal:    make(chan error, 1),
	}
}

// Probe 尝试一次性探测地址上是否已有 agent 在监听, 不做重试。
// 用于在 spawn 新进程之前先尝试复用已运行的 agent。
func Probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Connect 拨号并建立 WebSocket, 期间允许有限重试 (2s/次, 总计 25s)。
// 连接建立后立即启动 readLoop 与 pingLoop。
func (t *Transport) Connect(ctx context.Context) error {
	deadline := time.Now().Add(connectAggregateTimeout)
	var lastErr error
	attempt := 0
	for time.Now().Before(deadline) {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, connectAttemptTimeout)
		conn, err := t.dial(dialCtx)
		cancel()
		if err == nil {
			t.wsMu.Lock()
			t.ws = conn
			t.wsMu.Unlock()
			util.SafeGo(func() { t.readLoop() })
			util.SafeGo(func() { t.pingLoop(conn) })
			logger.Info("codex: transport connected",
				logger.FieldPath, t.addr,
				"attempt", attempt,
			)
			return nil
		}
		lastErr = err
		logger.Warn("codex: connect attempt failed",
			logger.FieldPath, t.addr,
			"attempt", attempt,
			logger.FieldError, err,
		)
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), "Transport.Connect", "connect cancelled")
		case <-time.After(300 * time.Millisecond):
		}
	}
	return apperrors.Wrapf(lastErr, "Transport.Connect", "exhausted connect attempts to %s", t.addr)
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("ws://%s", t.addr)
	dialer := websocket.Dialer{
		HandshakeTimeout: connectAttemptTimeout,
		NetDialContext:   (&net.Dialer{Timeout: connectAttemptTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	return conn, nil
}

func (t *Transport) conn() *websocket.Conn {
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	return t.ws
}

// Fatal 返回一个 channel: 读循环意外终止时向其发送一次终止原因 (channel
// 不会被关闭; 主动 Close 之后不再发送)。
func (t *Transport) Fatal() <-chan error { return t.fatal }

func (t *Transport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.wsMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop() {
	conn := t.conn()
	var exitErr error
	defer func() {
		t.failPending(exitErr)
		t.emitFatal(exitErr)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			exitErr = err
			return
		}
		var msg jsonRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("codex: dropping malformed frame", logger.FieldError, err)
			continue
		}
		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to one of our requests.
			t.resolve(*msg.ID, msg.Result, msg.Error)
		case msg.Method != "":
			// Notification (no id) or agent-initiated request (has id);
			// the bridge never receives server-initiated requests it must
			// answer, so both are routed to the notification handler.
			if t.onNotify != nil {
				t.onNotify(msg.Method, msg.Params)
			}
		default:
			logger.Warn("codex: dropping frame with neither id nor method")
		}
	}
}

func (t *Transport) resolve(id string, result json.RawMessage, rpcErr *jsonRPCError) {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	pc := v.(*pendingCall)
	if rpcErr != nil {
		pc.resolve(nil, apperrors.Newf("Transport.call", "%s (code %d)", rpcErr.Message, rpcErr.Code))
		return
	}
	pc.resolve(result, nil)
}

func (t *Transport) failPending(cause error) {
	if cause == nil {
		cause = apperrors.ErrClosed
	}
	t.pending.Range(func(key, value any) bool {
		t.pending.Delete(key)
		value.(*pendingCall).resolve(nil, apperrors.Wrap(cause, "Transport", "connection lost"))
		return true
	})
}

func (t *Transport) emitFatal(cause error) {
	if t.closed.Load() {
		return
	}
	select {
	case t.fatal <- cause:
	default:
	}
}

// call 发送请求并阻塞等待响应, 最多等待统一的 30 秒超时。
func (t *Transport) call(method string, params any) (json.RawMessage, error) {
	conn := t.conn()
	if conn == nil {
		return nil, apperrors.New("Transport.call", "not connected")
	}
	id := uuid.NewString()
	pc := &pendingCall{done: make(chan struct{})}
	t.pending.Store(id, pc)
	defer t.pending.Delete(id)

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := t.writeJSON(req); err != nil {
		return nil, apperrors.Wrapf(err, "Transport.call", "write %s", method)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.Wrapf(apperrors.ErrTimeout, "Transport.call", "%s timed out", method)
	case <-t.ctx.Done():
		return nil, t.ctx.Err()
	}
}

func (t *Transport) notify(method string, params any) error {
	return t.writeJSON(jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *Transport) writeJSON(v any) error {
	conn := t.conn()
	if conn == nil {
		return apperrors.New("Transport.writeJSON", "not connected")
	}
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	return conn.WriteJSON(v)
}

// Close 关闭底层连接并拒绝所有挂起的调用。
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()
	t.failPending(apperrors.ErrClosed)
	conn := t.conn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
