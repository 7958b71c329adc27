//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls so that idle WebSocket connections cost a
// registered file descriptor instead of a parked goroutine. The server is
// told which connections have a frame (or a hangup) pending.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	mu          sync.RWMutex      // protects connections map
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness. Peer hangups are reported
// as readiness too so the read path observes the close. The kernel does the
// waiting, so the frame source is unused here.
func (e *Epoll) Add(conn net.Conn, _ io.Reader) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("epoll: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Rearm is a no-op: level-triggered epoll reports pending data again on its
// own.
func (e *Epoll) Rearm(net.Conn) {}

// Remove unregisters a connection. Removing a connection twice is harmless.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	_, ok := e.connections[fd]
	delete(e.connections, fd)
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most msec milliseconds (-1 waits forever) until one or
// more registered connections are ready. Connections removed between
// epoll_wait returning and the lookup are skipped.
func (e *Epoll) Wait(msec int) ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, msec)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]net.Conn)
	return unix.Close(e.fd)
}

// isEINTR reports whether err is an interrupted system call, which happens
// when a signal lands during epoll_wait and should simply be retried.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// frameSource returns the reader frames are parsed from. On Linux that is
// the socket itself.
func frameSource(conn net.Conn) io.Reader {
	return conn
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
