// Package ws handles WebSocket connection management: upgrading HTTP
// requests, tracking live connections, waiting for inbound frames with epoll,
// and handing decoded payloads to the application.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/lobby/internal/protocol"
)

// HealthMessage is the greeting returned by the health endpoint.
const HealthMessage = "hello world!"

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string          // address to listen on, e.g. "0.0.0.0:3000"
	WorkerPoolSize  int             // max concurrent read-worker goroutines
	MaxConnections  int             // hard cap on total connections
	MaxMessageBytes int64           // largest accepted data frame payload
	ReadTimeout     time.Duration   // timeout for WebSocket read operations
	WriteTimeout    time.Duration   // timeout for WebSocket write operations
	SendQueueSize   int             // outbound frames buffered per connection
	AllowedOrigins  []string        // browser origins allowed to connect
	Heartbeat       HeartbeatConfig // dead-connection detection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      "0.0.0.0:3000",
		WorkerPoolSize:  256,
		MaxConnections:  10000,
		MaxMessageBytes: 64 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendQueueSize:   256,
		AllowedOrigins:  []string{"http://localhost:5173"},
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. It upgrades
// HTTP connections, registers them with the poller for readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config       ServerConfig
	origins      *OriginPolicy
	epoll        *Epoll
	conns        *ConnectionManager
	slots        atomic.Int64                        // connections admitted and not yet removed
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(connID string) error           // called once a connection is usable
	onDisconnect func(connID string)                 // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultServerConfig().MaxMessageBytes
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultServerConfig().SendQueueSize
	}

	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		origins:    NewOriginPolicy(config.AllowedOrigins),
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s, nil
}

// Handle mounts an extra HTTP handler next to the WebSocket endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins accepting connections on the configured address. It blocks
// until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It starts the event loop and the heartbeat
// monitor in background goroutines and blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success the client is told its connection
// ID, the application is notified, and the connection is handed to the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.reserveSlot() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if !s.origins.Allow(r) {
		s.slots.Add(-1)
		log.Printf("ws: rejected origin %q from %s", r.Header.Get("Origin"), r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.slots.Add(-1)
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.WriteTimeout, s.config.SendQueueSize)
	s.conns.Add(c)

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ID: c.ID})
	if err != nil {
		log.Printf("ws: failed to build connected frame session=%s: %v", c.ID, err)
	} else if err := c.WriteMessage(hello); err != nil {
		log.Printf("ws: failed to send connected frame session=%s: %v", c.ID, err)
		if s.conns.Remove(c.ID) {
			s.slots.Add(-1)
		}
		return
	}

	go c.writeLoop(func(err error) {
		log.Printf("ws: write failed session=%s: %v", c.ID, err)
		s.RemoveConnection(c)
	})

	// The application must learn about the connection before any of its
	// frames can be read.
	if s.onConnect != nil {
		if err := s.onConnect(c.ID); err != nil {
			log.Printf("ws: connection refused session=%s: %v", c.ID, err)
			c.writeClose(ws.StatusInternalServerError, "server busy")
			s.RemoveConnection(c)
			return
		}
	}

	if err := s.epoll.Add(conn, c.src); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s remote=%s (total=%d)", c.ID, c.RemoteAddr, s.conns.Count())
}

// reserveSlot claims room for one more connection, failing once
// MaxConnections are admitted. Concurrent upgrades cannot overshoot the cap.
func (s *Server) reserveSlot() bool {
	for {
		n := s.slots.Load()
		if n >= int64(s.config.MaxConnections) {
			return false
		}
		if s.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// handleHealth responds with the relay's liveness document. Allowed browser
// origins may read it cross-origin.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.origins.SetCORSHeaders(w, r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Message     string `json:"message"`
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Message:     HealthMessage,
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(100)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("ws: epoll wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. Read failures (peer closed, protocol
// error, oversized frame) remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same connection again while a
	// worker is still reading it.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if !s.readFrame(c) {
		s.RemoveConnection(c)
		return
	}
	s.epoll.Rearm(netConn)
}

// readFrame consumes one frame from c. It returns false when the connection
// should be dropped.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.src, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness report was stale; the heartbeat
		// handles connections that really went quiet.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return false
	}

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			return false
		}
		if header.Length > 0 {
			_, _ = io.Copy(io.Discard, reader)
		}
		return true
	}

	if header.Length > s.config.MaxMessageBytes {
		log.Printf("ws: frame too large session=%s len=%d", c.ID, header.Length)
		c.writeClose(ws.StatusMessageTooBig, "message too big")
		return false
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageBytes+1))
	if err != nil {
		return false
	}
	if int64(len(data)) > s.config.MaxMessageBytes {
		log.Printf("ws: fragmented message too large session=%s", c.ID)
		c.writeClose(ws.StatusMessageTooBig, "message too big")
		return false
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return true
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// SetOnConnect registers a callback invoked after a client has been told its
// connection ID and before any of its frames are read. If fn returns an error
// the connection is closed and the disconnect callback fires.
func (s *Server) SetOnConnect(fn func(connID string) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, close frame, heartbeat timeout or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the poller and the connection
// manager and closes the underlying network connection. Concurrent removals
// of the same connection notify the application only once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	s.slots.Add(-1)

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a WebSocket text frame for the connection identified by
// connID and returns without waiting for the socket. A connection whose queue
// is full is not keeping up and is removed.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if err := c.Enqueue(data); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			log.Printf("ws: send queue full session=%s, dropping connection", c.ID)
			go s.RemoveConnection(c)
		}
		return fmt.Errorf("ws: send to %s: %w", connID, err)
	}
	return nil
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, and
// closes every active connection. The disconnect callback fires for each one.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		c.writeClose(ws.StatusGoingAway, "server shutting down")
		s.RemoveConnection(c)
	}

	if cerr := s.epoll.Close(); cerr != nil && err == nil {
		err = cerr
	}

	log.Printf("ws: server stopped, all connections closed")
	return err
}
