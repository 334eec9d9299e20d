// internal/transport/stream/manager_test.go
package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YaganovValera/market-stream/internal/transport/stream"
	"github.com/YaganovValera/market-stream/pkg/backoff"
	"github.com/YaganovValera/market-stream/pkg/logger"
)

var upgrader = websocket.Upgrader{}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastBackoff(retries uint64) backoff.Config {
	return backoff.Config{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxRetries:      retries,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		// Держим соединение, пока клиент не уйдёт.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:     wsURL(srv),
		Backoff: fastBackoff(2),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case msg := <-m.Messages():
		if !strings.Contains(string(msg.Data), "heartbeat") {
			t.Errorf("unexpected frame: %s", msg.Data)
		}
		if msg.ReceivedAt.IsZero() {
			t.Error("ReceivedAt is zero")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
	}

	waitFor(t, 2*time.Second, m.Connected)
}

func TestTokenGoesAsQueryParam(t *testing.T) {
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:     wsURL(srv),
		Token:   "secret-token",
		Backoff: fastBackoff(2),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case token := <-gotToken:
		if token != "secret-token" {
			t.Errorf("token = %q; want secret-token", token)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server saw no connection")
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	m, err := stream.NewManager(stream.Config{URL: "ws://127.0.0.1:1/ws"}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Send(map[string]string{"type": "ping"}); err != stream.ErrNotConnected {
		t.Errorf("Send = %v; want ErrNotConnected", err)
	}
}

func TestReconnectInvokesConnectedHook(t *testing.T) {
	var conns int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt64(&conns, 1)
		if n == 1 {
			// Первое соединение рвём сразу: клиент должен переподключиться.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:     wsURL(srv),
		Backoff: fastBackoff(5),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	var hookCalls int64
	m.OnConnected(func(context.Context) { atomic.AddInt64(&hookCalls, 1) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&hookCalls) >= 2 })
	waitFor(t, 2*time.Second, m.Connected)
}

func TestSendWritesJSONFrame(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:     wsURL(srv),
		Backoff: fastBackoff(2),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 3*time.Second, m.Connected)

	if err := m.Send(map[string]string{"type": "subscribe", "symbol": "NIFTY"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-frames:
		var frame map[string]string
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame is not JSON: %v", err)
		}
		if frame["type"] != "subscribe" || frame["symbol"] != "NIFTY" {
			t.Errorf("frame = %v", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received no frame")
	}
}

func TestDisconnectEntersClosedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:     wsURL(srv),
		Backoff: fastBackoff(2),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 3*time.Second, m.Connected)

	m.Disconnect()
	if got := m.State(); got != stream.StateClosed {
		t.Errorf("state = %v; want CLOSED", got)
	}

	// Disconnect дожидается остановки цикла: немедленный Connect разрешён.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect right after Disconnect: %v", err)
	}
	waitFor(t, 3*time.Second, m.Connected)
	m.Disconnect()
}

// Keepalive шлёт прикладной ping-кадр; сервер, не отвечающий pong-ом,
// теряет клиента: соединение рвётся и поднимается заново.
func TestMissingPongDropsConnection(t *testing.T) {
	var conns int64
	pings := make(chan []byte, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&conns, 1)
		defer conn.Close()
		// Пинги читаем, pong не отвечаем никогда.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pings <- data
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:          wsURL(srv),
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  20 * time.Millisecond,
		Backoff:      fastBackoff(5),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case data := <-pings:
		var frame map[string]string
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("ping frame is not JSON: %v", err)
		}
		if frame["type"] != "ping" {
			t.Errorf("frame = %v; want type=ping", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no keepalive ping received")
	}

	// Pong не пришёл в окно PingInterval+PongTimeout: ждём переподключение.
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&conns) >= 2 })
}

// Свежий pong удерживает соединение сквозь несколько ping-циклов.
func TestNotePongKeepsConnectionAlive(t *testing.T) {
	var conns int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt64(&conns, 1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m, err := stream.NewManager(stream.Config{
		URL:          wsURL(srv),
		PingInterval: 40 * time.Millisecond,
		PongTimeout:  20 * time.Millisecond,
		Backoff:      fastBackoff(5),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 3*time.Second, m.Connected)

	// Кормим keepalive pong-ами дольше, чем окно PingInterval+PongTimeout.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.NotePong()
		time.Sleep(20 * time.Millisecond)
	}

	if got := atomic.LoadInt64(&conns); got != 1 {
		t.Errorf("conns = %d; want 1 (no reconnect while pongs are fresh)", got)
	}
	if !m.Connected() {
		t.Error("connection lost despite fresh pongs")
	}
}

func TestUnreachableAfterRetriesExhausted(t *testing.T) {
	m, err := stream.NewManager(stream.Config{
		URL:     "ws://127.0.0.1:1/ws", // никто не слушает
		Backoff: fastBackoff(2),
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 5*time.Second, m.Unreachable)
	if got := m.State(); got != stream.StateReconnecting {
		t.Errorf("state = %v; want RECONNECTING", got)
	}

	// Ручной ретрай из unreachable разрешён.
	waitFor(t, 2*time.Second, func() bool {
		return m.Connect(context.Background()) == nil
	})
	m.Disconnect()
}
