package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/wsclient"
)

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Heartbeat = HeartbeatConfig{}
	return cfg
}

// startTestServer serves on a random loopback port and returns the ws URL.
func startTestServer(t *testing.T, cfg ServerConfig, onMessage func(*Connection, []byte), setup func(*Server)) (*Server, string) {
	t.Helper()

	srv, err := NewServer(cfg, onMessage)
	require.NoError(t, err)
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string, opts ...wsclient.Option) *wsclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := wsclient.Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func expectError(t *testing.T, c *wsclient.Client, code string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, err := c.Expect(ctx, protocol.TypeError)
	require.NoError(t, err)
	var msg protocol.ErrorMsg
	require.NoError(t, f.Decode(&msg))
	require.Equal(t, code, msg.Code)
}

func TestServer_ConnectedFrameAndCallbacks(t *testing.T) {
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)

	srv, url := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.SetOnConnect(func(id string) error {
			connected <- id
			return nil
		})
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := c.WaitForID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case got := <-connected:
		require.Equal(t, id, got)
	case <-ctx.Done():
		t.Fatal("onConnect was not called")
	}
	require.Equal(t, 1, srv.Connections().Count())

	require.NoError(t, c.Close())

	select {
	case got := <-disconnected:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("onDisconnect was not called")
	}
	require.Eventually(t, func() bool { return srv.Connections().Count() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestServer_ConnectionIDsAreUnique(t *testing.T) {
	_, url := startTestServer(t, testConfig(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := dial(t, url).WaitForID(ctx)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestDispatcher_OverWebSocket(t *testing.T) {
	d := NewMessageDispatcher()
	got := make(chan protocol.SetUsernameMsg, 1)
	d.Register(protocol.TypeSetUsername, func(conn *Connection, msg interface{}) {
		got <- msg.(protocol.SetUsernameMsg)
	})

	_, url := startTestServer(t, testConfig(), d.Dispatch, nil)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.WaitForID(ctx)
	require.NoError(t, err)

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, c.Ping())
		_, err := c.Expect(ctx, protocol.TypePong)
		require.NoError(t, err)
	})

	t.Run("registered handler", func(t *testing.T) {
		require.NoError(t, c.SetUsername("alice"))
		select {
		case msg := <-got:
			require.Equal(t, "alice", msg.Username)
		case <-ctx.Done():
			t.Fatal("handler was not called")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		require.NoError(t, c.SendRaw([]byte(`{not json`)))
		expectError(t, c, protocol.CodeParseError)
	})

	t.Run("wrong payload shape", func(t *testing.T) {
		require.NoError(t, c.SendRaw([]byte(`{"type":"setUsername","username":7}`)))
		expectError(t, c, protocol.CodeParseError)
	})

	t.Run("unknown type", func(t *testing.T) {
		require.NoError(t, c.SendRaw([]byte(`{"type":"typing"}`)))
		expectError(t, c, protocol.CodeUnsupportedType)
	})

	t.Run("unregistered client type", func(t *testing.T) {
		require.NoError(t, c.SendText("hello"))
		expectError(t, c, protocol.CodeUnsupportedType)
	})
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 32

	called := make(chan struct{}, 1)
	srv, url := startTestServer(t, cfg, func(*Connection, []byte) { called <- struct{}{} }, nil)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.WaitForID(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SendText(strings.Repeat("x", 100)))

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("connection was not closed")
	}
	require.Empty(t, called)
	require.Eventually(t, func() bool { return srv.Connections().Count() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	_, url := startTestServer(t, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := wsclient.Dial(ctx, url, wsclient.WithOrigin("http://evil.example"))
	require.Error(t, err)

	c := dial(t, url, wsclient.WithOrigin("http://localhost:5173"))
	_, err = c.WaitForID(ctx)
	require.NoError(t, err)
}

func TestServer_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv, url := startTestServer(t, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := dial(t, url).WaitForID(ctx)
	require.NoError(t, err)

	_, err = wsclient.Dial(ctx, url)
	require.Error(t, err)
	require.Equal(t, 1, srv.Connections().Count())
}

func TestServer_MaxConnectionsUnderConcurrentUpgrades(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 3
	srv, url := startTestServer(t, cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := wsclient.Dial(ctx, url)
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = c.Close() })
			if _, err := c.WaitForID(ctx); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(3), admitted.Load())
	require.Equal(t, 3, srv.Connections().Count())
}

func TestServer_ConnectCallbackErrorClosesConnection(t *testing.T) {
	disconnected := make(chan string, 1)
	srv, url := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.SetOnConnect(func(string) error { return errors.New("relay stopped") })
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := c.WaitForID(ctx)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("connection stayed open after the connect callback failed")
	}
	select {
	case got := <-disconnected:
		require.Equal(t, id, got)
	case <-ctx.Done():
		t.Fatal("onDisconnect was not called")
	}
	require.Equal(t, 0, srv.Connections().Count())
}

// dialStalled opens a connection that completes the handshake and then never
// reads, with a tiny receive buffer so the server's writes back up quickly.
func dialStalled(t *testing.T, url string) net.Conn {
	t.Helper()
	d := ws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			_ = conn.(*net.TCPConn).SetReadBuffer(4096)
			return conn, nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := d.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServer_SendMessageDoesNotBlockOnStalledClient(t *testing.T) {
	cfg := testConfig()
	cfg.WriteTimeout = 30 * time.Second
	cfg.SendQueueSize = 4

	var mu sync.Mutex
	var ids []string
	disconnected := make(chan string, 1)
	srv, url := startTestServer(t, cfg, nil, func(s *Server) {
		s.SetOnConnect(func(id string) error {
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return nil
		})
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	dialStalled(t, url)
	require.Eventually(t, func() bool { return srv.Connections().Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	mu.Lock()
	id := ids[0]
	mu.Unlock()

	frame := []byte(`{"type":"message","text":"` + strings.Repeat("x", 32<<10) + `"}`)

	// Every call returns at once; once the queue is full the connection is
	// dropped instead of holding up the caller.
	start := time.Now()
	var sendErr error
	for i := 0; i < 500 && sendErr == nil; i++ {
		sendErr = srv.SendMessage(id, frame)
	}
	require.Less(t, time.Since(start), 5*time.Second)
	require.ErrorIs(t, sendErr, ErrSendQueueFull)

	select {
	case got := <-disconnected:
		require.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled connection was not removed")
	}
	require.Equal(t, 0, srv.Connections().Count())
}

func TestServer_ShutdownDisconnectsEveryone(t *testing.T) {
	disconnected := make(chan string, 4)
	srv, url := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b := dial(t, url), dial(t, url)
	idA, err := a.WaitForID(ctx)
	require.NoError(t, err)
	idB, err := b.WaitForID(ctx)
	require.NoError(t, err)

	require.NoError(t, srv.Shutdown(ctx))

	got := []string{<-disconnected, <-disconnected}
	require.ElementsMatch(t, []string{idA, idB}, got)
	require.Zero(t, srv.Connections().Count())

	// A second shutdown is a no-op.
	require.NoError(t, srv.Shutdown(ctx))
}

func TestHeartbeat_RemovesStaleConnections(t *testing.T) {
	disconnected := make(chan string, 1)
	srv, url := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.SetOnDisconnect(func(id string) { disconnected <- id })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := dial(t, url).WaitForID(ctx)
	require.NoError(t, err)

	hb := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}

	// Fresh connections are pinged, not removed.
	checkConnections(srv, hb, time.Now())
	require.Equal(t, 1, srv.Connections().Count())

	checkConnections(srv, hb, time.Now().Add(time.Minute))
	require.Equal(t, id, <-disconnected)
	require.Zero(t, srv.Connections().Count())
}

func TestHealth(t *testing.T) {
	srv, err := NewServer(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	for _, path := range []string{"/api/health", "/health"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Message     string `json:"message"`
				Status      string `json:"status"`
				Connections int    `json:"connections"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, HealthMessage, body.Message)
			require.Equal(t, "ok", body.Status)
			require.Zero(t, body.Connections)
		})
	}

	t.Run("allowed origin gets CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}
