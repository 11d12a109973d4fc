//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// readEvents arms a connection for a single readiness report; Resume re-arms
// it once a worker has drained the socket.
const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Epoll wraps Linux epoll syscalls for WebSocket I/O multiplexing. File
// descriptors are registered with the kernel and the event loop is woken
// only when a connection has data to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> Connection
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness and hang-up notifications.
func (e *Epoll) Add(c *Connection) error {
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters c. It is safe to call after the socket was closed.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	cur, ok := e.connections[c.Fd]
	if ok && cur == c {
		delete(e.connections, c.Fd)
	}
	e.mu.Unlock()
	if !ok || cur != c {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks for at most timeoutMs milliseconds and returns the connections
// with pending input. Connections removed between epoll_wait returning and
// the lookup are skipped.
func (e *Epoll) Wait(timeoutMs int) ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Resume re-arms c after a worker finished reading it.
func (e *Epoll) Resume(c *Connection) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if cur, ok := e.connections[c.Fd]; !ok || cur != c {
		return
	}
	_ = unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(c.Fd),
	})
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn through
// SyscallConn, which unlike File() does not duplicate it.
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

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}
