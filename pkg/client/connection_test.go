package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// randomPort returns a random open TCP port.
func randomPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "localhost:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

func writeTestEnvelope(conn *websocket.Conn, e envelope.Envelope) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := envelope.Marshal(e, w); err != nil {
		return err
	}
	return w.Close()
}

func readTestEnvelope(conn *websocket.Conn) (envelope.Envelope, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Unmarshal(r)
}

// wsTestServer runs handler for every WebSocket connection and returns the
// ws:// URL to dial.
func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade errored: %v", err)
			return
		}
		handler(conn)
	}))

	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// scriptedAgent speaks the server side of the protocol: welcome, login
// against a single accepted token, ping/pong and a canned chat task.
func scriptedAgent(acceptToken string, connSeq *int32) func(conn *websocket.Conn) {
	return func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()

		n := atomic.AddInt32(connSeq, 1)
		_ = writeTestEnvelope(conn, envelope.New(envelope.TypeWelcome, "", map[string]interface{}{
			"connectionId":  fmt.Sprintf("c%d", n),
			"authenticated": false,
		}))

		for {
			e, err := readTestEnvelope(conn)
			if err != nil {
				return
			}

			switch {
			case e.Type == envelope.TypePing:
				_ = writeTestEnvelope(conn, envelope.New(envelope.TypePong, "", nil))

			case e.Type == envelope.TypeAuthLogin:
				if e.String("token") == acceptToken {
					_ = writeTestEnvelope(conn, envelope.New(envelope.TypeAuthSuccess, "", map[string]interface{}{
						"userId": "u1",
						"role":   "user",
					}))
				} else {
					_ = writeTestEnvelope(conn, envelope.New(envelope.TypeAuthError, "", map[string]interface{}{
						"code": envelope.CodeTokenExpired,
					}))
				}

			case e.Action() == envelope.ActionStart:
				domain := e.Domain()
				_ = writeTestEnvelope(conn, envelope.New(domain+":started", e.TaskId, nil))
				_ = writeTestEnvelope(conn, envelope.New(domain+":chunk", e.TaskId, map[string]interface{}{"content": "Hi"}))
				_ = writeTestEnvelope(conn, envelope.New(domain+":chunk", e.TaskId, map[string]interface{}{"content": " there"}))
				_ = writeTestEnvelope(conn, envelope.New(domain+":done", e.TaskId, map[string]interface{}{"finishReason": "stop"}))
			}
		}
	}
}

func TestClientConnectAndTask(t *testing.T) {
	var connSeq int32
	srv, wsUrl := wsTestServer(t, scriptedAgent("good", &connSeq))
	defer srv.Close()

	cm := NewConnectionManager(Config{
		URL:    wsUrl,
		Tokens: StaticToken("good"),
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}
	// Connect is idempotent
	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cm.WaitAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}

	var chunks []string
	taskId, err := cm.StartTask(ctx, "chat", map[string]interface{}{"prompt": "hi"}, StartOptions{
		TaskOptions: TaskOptions{
			OnChunk: func(content string) {
				chunks = append(chunks, content)
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	handle, err := cm.Registry().WaitFor(taskId)
	if err != nil {
		t.Fatal(err)
	}

	if content, err := handle.Await(ctx); err != nil {
		t.Fatal(err)
	} else if content != "Hi there" {
		t.Fatalf("expected content \"Hi there\", got %q", content)
	}

	if len(chunks) != 2 || chunks[0] != "Hi" || chunks[1] != " there" {
		t.Fatalf("chunks arrived out of order: %v", chunks)
	}

	if snapshot, _ := cm.Registry().Get(taskId); snapshot.Transport != TransportWebSocket {
		t.Fatalf("expected the websocket transport, got %s", snapshot.Transport)
	}
}

// refreshingTokens starts with an expired token and refreshes to a good one.
type refreshingTokens struct {
	refreshes int32
}

func (tokens *refreshingTokens) Token() (string, error) {
	return "old", nil
}

func (tokens *refreshingTokens) Refresh() (string, error) {
	atomic.AddInt32(&tokens.refreshes, 1)
	return "new", nil
}

func TestClientAuthRefresh(t *testing.T) {
	var connSeq int32
	srv, wsUrl := wsTestServer(t, scriptedAgent("new", &connSeq))
	defer srv.Close()

	tokens := &refreshingTokens{}
	cm := NewConnectionManager(Config{
		URL:    wsUrl,
		Tokens: tokens,
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// the expired token triggers refresh and reconnect without caller help
	if err := cm.WaitAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}

	if !cm.Authenticated() {
		t.Fatal("connection is not authenticated after the refresh cycle")
	}
	if refreshes := atomic.LoadInt32(&tokens.refreshes); refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refreshes)
	}
	if seq := atomic.LoadInt32(&connSeq); seq != 2 {
		t.Fatalf("expected a second connection after the refresh, got %d", seq)
	}
}

func TestClientHeartbeat(t *testing.T) {
	pings := int32(0)
	srv, wsUrl := wsTestServer(t, func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()

		_ = writeTestEnvelope(conn, envelope.New(envelope.TypeWelcome, "", nil))
		for {
			e, err := readTestEnvelope(conn)
			if err != nil {
				return
			}
			if e.Type == envelope.TypePing {
				atomic.AddInt32(&pings, 1)
				_ = writeTestEnvelope(conn, envelope.New(envelope.TypePong, "", nil))
			}
		}
	})
	defer srv.Close()

	cm := NewConnectionManager(Config{
		URL:               wsUrl,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(110 * time.Millisecond)

	if n := atomic.LoadInt32(&pings); n < 2 {
		t.Fatalf("expected at least 2 heartbeat pings, got %d", n)
	}
}

func TestClientReconnect(t *testing.T) {
	var connSeq int32
	srv, wsUrl := wsTestServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&connSeq, 1)
		_ = writeTestEnvelope(conn, envelope.New(envelope.TypeWelcome, "", map[string]interface{}{
			"connectionId": fmt.Sprintf("c%d", n),
		}))

		if n == 1 {
			// drop the first connection without a close handshake
			_ = conn.Close()
			return
		}

		defer func() { _ = conn.Close() }()
		for {
			if _, err := readTestEnvelope(conn); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	cm := NewConnectionManager(Config{
		URL:           wsUrl,
		ReconnectBase: 10 * time.Millisecond,
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		if cm.Connected() && cm.ConnectionId() == "c2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client did not reconnect; connection id is %q", cm.ConnectionId())
}

func TestClientReconnectExhausted(t *testing.T) {
	wsUrl := fmt.Sprintf("ws://localhost:%d/ws", randomPort(t))

	cm := NewConnectionManager(Config{
		URL:               wsUrl,
		ReconnectBase:     5 * time.Millisecond,
		ReconnectAttempts: 2,
	})
	defer cm.Close()

	shutdown := make(chan struct{})
	cm.AddListener("chat", func(e envelope.Envelope, _ string) {
		if e.Type == envelope.TypeShutdown {
			close(shutdown)
		}
	})

	if err := cm.Connect(); err == nil {
		t.Fatal("expected the dial to error")
	}

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted reconnects were not surfaced to listeners")
	}
}

func TestClientDisconnectSuppressesReconnect(t *testing.T) {
	var connSeq int32
	srv, wsUrl := wsTestServer(t, scriptedAgent("good", &connSeq))
	defer srv.Close()

	cm := NewConnectionManager(Config{
		URL:           wsUrl,
		ReconnectBase: 5 * time.Millisecond,
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatal(err)
	}

	cm.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if cm.Connected() {
		t.Fatal("connection is still open after Disconnect")
	}
	if seq := atomic.LoadInt32(&connSeq); seq != 1 {
		t.Fatalf("a normal closure must not reconnect, saw %d connections", seq)
	}
}

func TestReconnectDelay(t *testing.T) {
	base, max := time.Second, 30*time.Second

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, want := range expected {
		if got := reconnectDelay(base, max, i+1); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}
