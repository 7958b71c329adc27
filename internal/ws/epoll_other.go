//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll is the portable fallback for platforms without epoll. Each connection
// gets a goroutine that blocks on a one-byte peek of the connection's buffered
// frame source and reports readiness, which keeps development on macOS and
// Windows working with the same server code.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn. src must be the reader returned by frameSource
// for conn; peeked bytes stay buffered in it for the server's frame read.
func (e *Epoll) Add(conn net.Conn, src io.Reader) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, src.(*bufio.Reader), resume)
	return nil
}

// monitor alternates between peeking for data and waiting for the server to
// finish reading, so the peek never races the frame reader.
func (e *Epoll) monitor(conn net.Conn, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor goroutine peek again after a read finished.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if resume, ok := e.conns[conn]; ok {
		close(resume)
		delete(e.conns, conn)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks for at most msec milliseconds (-1 waits forever) until at least
// one connection is ready.
func (e *Epoll) Wait(msec int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if msec >= 0 {
		timer := time.NewTimer(time.Duration(msec) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }

// frameSource wraps conn in the buffered reader the monitor peeks through.
func frameSource(conn net.Conn) io.Reader {
	return bufio.NewReaderSize(conn, 4096)
}

// socketFD is not needed by the fallback.
func socketFD(net.Conn) int {
	return -1
}
