//go:build !linux

package ws

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Epoll is the goroutine-per-connection fallback used on platforms without
// epoll so the server still runs on developer machines.
type Epoll struct {
	mu      sync.Mutex
	conns   map[*Connection]*watch
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// NewEpoll creates a fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]*watch),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a monitor goroutine for c.
func (e *Epoll) Add(c *Connection) error {
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}
	e.mu.Lock()
	e.conns[c] = w
	e.mu.Unlock()

	go e.monitor(c, w)
	return nil
}

// monitor peeks the buffered reader without consuming input, reports the
// connection as ready and then waits until the worker has drained it.
func (e *Epoll) monitor(c *Connection, w *watch) {
	for {
		_ = c.Conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := c.reader.Peek(1)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-w.stop:
					return
				case <-e.done:
					return
				default:
					continue
				}
			}
		}

		select {
		case e.readyCh <- c:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The worker sees the same error and removes the connection.
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	w, ok := e.conns[c]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	w, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait returns ready connections, waiting at most timeoutMs for the first.
func (e *Epoll) Wait(timeoutMs int) ([]*Connection, error) {
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[*Connection]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD is unused by the fallback.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
