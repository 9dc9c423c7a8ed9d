package relaylink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testRelayServer 是一个最小的 relay 测试替身: 接受一次升级, 回读
// machine.hello, 并允许测试按需推送 server message。
type testRelayServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newTestRelayServer() *testRelayServer {
	trs := &testRelayServer{connCh: make(chan *websocket.Conn, 1)}
	trs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := trs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		trs.connCh <- conn
	}))
	return trs
}

func (trs *testRelayServer) wsURL() string {
	return "ws" + trs.srv.URL[len("http"):]
}

func TestConnectSendsMachineHello(t *testing.T) {
	trs := newTestRelayServer()
	defer trs.srv.Close()

	var ready sync.WaitGroup
	ready.Add(1)
	link := New(Options{
		URL:       trs.wsURL(),
		Token:     "tok",
		MachineID: "m-1",
		Handlers: Handlers{
			OnSessionReady: func() { ready.Done() },
		},
	})
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn := <-trs.connCh
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "machine.hello" {
		t.Fatalf("got type %q, want machine.hello", msg.Type)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want map", msg.Payload)
	}
	if payload["token"] != "tok" {
		t.Errorf("token = %v, want tok", payload["token"])
	}
	machine, ok := payload["machine"].(map[string]any)
	if !ok {
		t.Fatalf("machine is %T, want map", payload["machine"])
	}
	for _, field := range []string{"machineId", "hostname", "platform", "arch", "cliVersion"} {
		if machine[field] == "" || machine[field] == nil {
			t.Errorf("machine.%s missing or empty: %+v", field, machine)
		}
	}

	if err := conn.WriteJSON(ServerMessage{Type: "session.ready"}); err != nil {
		t.Fatalf("server write: %v", err)
	}
	waitDone(t, &ready, time.Second)
}

func TestDispatchRequestRoutedToHandler(t *testing.T) {
	trs := newTestRelayServer()
	defer trs.srv.Close()

	received := make(chan json.RawMessage, 1)
	link := New(Options{
		URL:       trs.wsURL(),
		Token:     "tok",
		MachineID: "m-1",
		Handlers: Handlers{
			OnDispatch: func(p json.RawMessage) { received <- p },
		},
	})
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-trs.connCh
	conn.ReadMessage() // drain machine.hello

	payload := json.RawMessage(`{"id":"d1","action":"model.list"}`)
	if err := conn.WriteJSON(ServerMessage{Type: "dispatch.request", Payload: payload}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("payload = %s, want %s", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch payload")
	}
}

func TestSessionErrorInvokesHandler(t *testing.T) {
	trs := newTestRelayServer()
	defer trs.srv.Close()

	type errResult struct {
		reason      string
		recoverable bool
	}
	errCh := make(chan errResult, 1)
	link := New(Options{
		URL:       trs.wsURL(),
		Token:     "tok",
		MachineID: "m-1",
		Handlers: Handlers{
			OnSessionError: func(reason string, recoverable bool) { errCh <- errResult{reason, recoverable} },
		},
	})
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-trs.connCh
	conn.ReadMessage()

	payload, _ := json.Marshal(map[string]any{
		"error":       map[string]string{"code": "UNAUTHORIZED", "message": "unauthorized"},
		"recoverable": false,
	})
	if err := conn.WriteJSON(ServerMessage{Type: "session.error", Payload: payload}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case got := <-errCh:
		if got.reason != "unauthorized" {
			t.Errorf("reason = %q, want unauthorized", got.reason)
		}
		if got.recoverable {
			t.Error("recoverable = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session error")
	}
}

func TestHeartbeatStartsOnlyAfterSessionReady(t *testing.T) {
	trs := newTestRelayServer()
	defer trs.srv.Close()

	link := New(Options{URL: trs.wsURL(), Token: "tok", MachineID: "m-1"})
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-trs.connCh
	conn.ReadMessage() // drain machine.hello

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected no heartbeat before session.ready")
	}

	readyPayload, _ := json.Marshal(map[string]any{"heartbeatIntervalMs": 50})
	if err := conn.WriteJSON(ServerMessage{Type: "session.ready", Payload: readyPayload}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected heartbeat after session.ready: %v", err)
	}
	var hb ClientMessage
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hb.Type != "machine.heartbeat" {
		t.Fatalf("got type %q, want machine.heartbeat", hb.Type)
	}
}

func TestSendAckWritesEnvelope(t *testing.T) {
	trs := newTestRelayServer()
	defer trs.srv.Close()

	link := New(Options{URL: trs.wsURL(), Token: "tok", MachineID: "m-1"})
	defer link.Close()

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-trs.connCh
	conn.ReadMessage() // drain machine.hello

	link.SendAck(map[string]string{"dispatchId": "d1", "status": "accepted"})

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "dispatch.ack" {
		t.Fatalf("got type %q, want dispatch.ack", msg.Type)
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handler invocation")
	}
}
