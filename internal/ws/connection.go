package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrSendQueueFull is returned when a connection's outbound queue has no room
// left, which means the client stopped reading.
var ErrSendQueueFull = errors.New("ws: send queue full")

// errConnectionClosed is returned when enqueueing on a closed connection.
var errConnectionClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection with its
// associated metadata. Application frames go through a buffered queue drained
// by the connection's own writer goroutine; the write mutex serializes those
// frames with control frames written directly.
type Connection struct {
	ID           string        // connection ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	src          io.Reader     // frames are read from here, see frameSource
	Fd           int           // socket file descriptor, -1 off Linux
	RemoteAddr   string        // client address, for logs
	CreatedAt    time.Time     // when the connection was established
	writeTimeout time.Duration // per-frame write deadline, 0 disables
	writeMu      sync.Mutex    // serializes writes to this connection
	lastSeen     atomic.Int64  // unix nanos of the last frame read
	processing   atomic.Bool   // set while a worker is reading this connection
	send         chan []byte   // outbound application frames
	closed       chan struct{} // closed by Close
	closeOnce    sync.Once
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		src:          frameSource(conn),
		Fd:           socketFD(conn),
		RemoteAddr:   conn.RemoteAddr().String(),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Enqueue hands data to the connection's writer without blocking. It returns
// ErrSendQueueFull when the queue is full.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// writeLoop writes queued frames until the connection is closed. A failed
// write leaves the stream unusable, so onError is called and the loop exits.
func (c *Connection) writeLoop(onError func(error)) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				onError(err)
				return
			}
		}
	}
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the connection.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// the readiness poller's net.Conn values to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // poller conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil if
// not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
