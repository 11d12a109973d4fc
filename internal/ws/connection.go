package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// Connection is one authenticated WebSocket client with a write mutex for
// serializing outbound frames. A user may hold several at once.
type Connection struct {
	ID          string    // connection ID (UUID)
	UserID      string    // authenticated user
	DisplayName string    // from the auth token
	RemoteIP    string    // client IP, for logging and connect limits
	Conn        net.Conn  // underlying TCP connection
	Fd          int       // file descriptor for epoll registration
	CreatedAt   time.Time // when the connection was established

	reader       *bufio.Reader // holds bytes buffered during the upgrade
	lastActivity atomic.Int64  // unix nanos of the last frame read
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   atomic.Bool   // set while a worker is reading this connection
}

func newConnection(id string, conn net.Conn, reader *bufio.Reader) *Connection {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		reader:    reader,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when a frame was last read from the client.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// controlWriteTimeout bounds ping and pong writes to a stalled client.
const controlWriteTimeout = 5 * time.Second

// writeControl sends a control frame such as ping or pong.
func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

// ConnectionManager is a thread-safe registry of live connections and the
// broadcast groups they belong to.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // connection id -> Connection
	groups map[string]map[string]*Connection // group -> connection id -> Connection
	joined map[string]map[string]struct{}    // connection id -> groups
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		groups: make(map[string]map[string]*Connection),
		joined: make(map[string]map[string]struct{}),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops a connection from the registry and every group it joined,
// then closes it. It reports false if the connection was already gone, so
// concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		for g := range cm.joined[id] {
			cm.leaveLocked(g, id)
		}
		delete(cm.joined, id)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Join adds conn to group. Joining twice is a no-op.
func (cm *ConnectionManager) Join(conn *Connection, group string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.byID[conn.ID]; !ok {
		return
	}
	members, ok := cm.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		cm.groups[group] = members
	}
	members[conn.ID] = conn
	if cm.joined[conn.ID] == nil {
		cm.joined[conn.ID] = make(map[string]struct{})
	}
	cm.joined[conn.ID][group] = struct{}{}
}

// Leave removes conn from group.
func (cm *ConnectionManager) Leave(conn *Connection, group string) {
	cm.mu.Lock()
	cm.leaveLocked(group, conn.ID)
	delete(cm.joined[conn.ID], group)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) leaveLocked(group, id string) {
	members, ok := cm.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(cm.groups, group)
	}
}

// InGroup reports whether conn has joined group.
func (cm *ConnectionManager) InGroup(conn *Connection, group string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	_, ok := cm.groups[group][conn.ID]
	return ok
}

// Members returns a snapshot of group's connections.
func (cm *ConnectionManager) Members(group string) []*Connection {
	cm.mu.RLock()
	members := make([]*Connection, 0, len(cm.groups[group]))
	for _, c := range cm.groups[group] {
		members = append(members, c)
	}
	cm.mu.RUnlock()
	return members
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
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

// GroupCount returns the number of non-empty groups.
func (cm *ConnectionManager) GroupCount() int {
	cm.mu.RLock()
	n := len(cm.groups)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
