// Package wsclient is a small WebSocket client for the lobby relay. It is
// used by the load generator and by end-to-end tests: it connects with
// gobwas/ws, records the connection ID the relay assigns, and delivers every
// server frame on a channel.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/lobby/internal/protocol"
)

// ErrClosed is returned when reading from a client whose connection is gone.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is a single server message.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Option configures Dial.
type Option func(*ws.Dialer)

// WithOrigin sets the Origin header sent during the handshake.
func WithOrigin(origin string) Option {
	return func(d *ws.Dialer) {
		h := http.Header{}
		h.Set("Origin", origin)
		d.Header = ws.HandshakeHeaderHTTP(h)
	}
}

// Client is a single relay connection.
type Client struct {
	conn    net.Conn
	src     io.Reader
	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{} // closed when readLoop exits
	quit    chan struct{} // closed by Close
	once    sync.Once
	id      atomic.Value // string

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errs           atomic.Int64
}

// Dial connects to url and starts reading frames in the background.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	var d ws.Dialer
	for _, opt := range opts {
		opt(&d)
	}

	start := time.Now()
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// Frames sent right after the handshake may already sit in br.
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	c := &Client{
		conn:           conn,
		src:            src,
		frames:         make(chan Frame, 256),
		done:           make(chan struct{}),
		quit:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	c.id.Store("")

	go c.readLoop()
	return c, nil
}

// Next returns the next server frame, waiting until one arrives, the
// connection closes, or ctx is done.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Expect skips frames until one of type msgType arrives.
func (c *Client) Expect(ctx context.Context, msgType string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("waiting for %q: %w", msgType, err)
		}
		if f.Type == msgType {
			return f, nil
		}
	}
}

// WaitForID blocks until the relay has told the client its connection ID.
func (c *Client) WaitForID(ctx context.Context) (string, error) {
	if id := c.ID(); id != "" {
		return id, nil
	}
	f, err := c.Expect(ctx, protocol.TypeConnected)
	if err != nil {
		return "", err
	}
	var msg protocol.ConnectedMsg
	if err := f.Decode(&msg); err != nil {
		return "", fmt.Errorf("decode connected: %w", err)
	}
	return msg.ID, nil
}

// ID returns the connection ID assigned by the relay, or "" before the
// connected frame has been read.
func (c *Client) ID() string {
	return c.id.Load().(string)
}

// SetUsername asks the relay to name this connection.
func (c *Client) SetUsername(name string) error {
	return c.Send(protocol.SetUsernameMsg{Type: protocol.TypeSetUsername, Username: name})
}

// SendText sends a chat message.
func (c *Client) SendText(text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, Text: text})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes data as a text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errs.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Done is closed once the connection has stopped delivering frames.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errs.Load(),
	}
}

// readLoop reads server frames until the connection fails. Frames are
// delivered in order; a full buffer applies backpressure to the socket.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	for {
		data, err := wsutil.ReadServerText(bufferedRW{c.src, c.conn})
		if err != nil {
			return
		}
		c.received.Add(1)

		var env struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errs.Add(1)
			continue
		}
		if env.Type == protocol.TypeConnected && c.ID() == "" {
			c.id.Store(env.ID)
		}

		select {
		case c.frames <- Frame{Type: env.Type, Raw: json.RawMessage(data)}:
		case <-c.quit:
			return
		}
	}
}

// bufferedRW reads through the handshake buffer and writes to the socket so
// control frames answered by wsutil (pongs, close replies) reach the server.
type bufferedRW struct {
	io.Reader
	io.Writer
}
