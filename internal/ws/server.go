// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, tracking live connections and their broadcast
// groups, and dispatching inbound frames to handlers.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/auth"
	"github.com/emberapp/matchcore/internal/logging"
	"github.com/emberapp/matchcore/internal/metrics"
	"github.com/emberapp/matchcore/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr       string        // address to listen on, e.g. ":8080"
	WorkerPoolSize   int           // max concurrent read-worker goroutines
	MaxConnections   int           // hard cap on total connections
	ReadTimeout      time.Duration // timeout for reading one frame once data is ready
	WriteTimeout     time.Duration // timeout for WebSocket write operations
	HandshakeTimeout time.Duration // timeout for token verification during upgrade
	MaxFrameBytes    int64         // frames larger than this close the connection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       ":8080",
		WorkerPoolSize:   256,
		MaxConnections:   100000,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		MaxFrameBytes:    64 << 10,
	}
}

// epollWaitMs bounds each epoll wait so the event loop notices shutdown.
const epollWaitMs = 100

// Server is the WebSocket gateway built on gobwas/ws and epoll. It upgrades
// authenticated HTTP requests, registers connections with an epoll instance
// and hands ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	heartbeat    HeartbeatConfig
	auth         auth.Authenticator
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	onHeartbeat  func(conns []*Connection)
	limiter      ratelimit.Checker
	connectRule  ratelimit.Rule
	mux          *http.ServeMux
	httpServer   *http.Server
	log          *zap.SugaredLogger
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text or binary frame received from a client.
func NewServer(config ServerConfig, authenticator auth.Authenticator, onMessage func(conn *Connection, data []byte), log *zap.SugaredLogger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = DefaultServerConfig().MaxFrameBytes
	}
	s := &Server{
		config:     config,
		heartbeat:  DefaultHeartbeatConfig(),
		auth:       authenticator,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		log:        logging.OrNop(log).Named("ws"),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers a callback run after a connection is registered
// and before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run exactly once when a connection is
// removed, whether by read error, heartbeat timeout, close frame or shutdown.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnMessage replaces the frame callback. It must be called before Start.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetConnectLimiter throttles upgrade attempts per client IP.
func (s *Server) SetConnectLimiter(limiter ratelimit.Checker, rule ratelimit.Rule) {
	s.limiter = limiter
	s.connectRule = rule
}

// SetOnHeartbeat registers a callback that receives the connections that
// survived each heartbeat tick.
func (s *Server) SetOnHeartbeat(fn func(conns []*Connection)) {
	s.onHeartbeat = fn
}

// SetHeartbeat overrides the heartbeat configuration used by Start.
func (s *Server) SetHeartbeat(config HeartbeatConfig) {
	s.heartbeat = config
}

// Mount serves handler for pattern on the same listener as /ws.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start creates the epoll instance, starts the event loop and the heartbeat
// and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.HandshakeTimeout,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.heartbeat)

	s.log.Infow("server listening",
		"addr", s.config.ListenAddr,
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it with the gobwas
// zero-copy upgrader. Clients that fail authentication never reach the
// WebSocket handshake.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), ip, s.connectRule)
		if err != nil {
			s.log.Warnw("connect limiter failed", "ip", ip, "error", err)
		}
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	ctx := r.Context()
	if s.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.HandshakeTimeout)
		defer cancel()
	}
	identity, err := s.auth.Authenticate(ctx, auth.TokenFromRequest(r))
	if err != nil {
		s.log.Debugw("handshake rejected", "ip", ip, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warnw("upgrade failed", "ip", ip, "error", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, upgradedReader(conn, rw))
	c.UserID = identity.UserID
	c.DisplayName = identity.DisplayName
	c.RemoteIP = ip

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(c); err != nil {
		s.log.Errorw("epoll add failed", "conn", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Infow("connection opened",
		"conn", c.ID, "user", c.UserID, "fd", c.Fd, "total", s.conns.Count())

	// Frames that arrived with the handshake are already buffered and will
	// not wake epoll.
	if c.reader.Buffered() > 0 {
		s.dispatch(c)
	}
}

// upgradedReader keeps any bytes the HTTP server buffered past the handshake.
func upgradedReader(conn net.Conn, rw *bufio.ReadWriter) *bufio.Reader {
	if rw == nil || rw.Reader == nil || rw.Reader.Buffered() == 0 {
		return bufio.NewReader(conn)
	}
	pending, _ := rw.Reader.Peek(rw.Reader.Buffered())
	pending = append([]byte(nil), pending...)
	return bufio.NewReader(io.MultiReader(bytes.NewReader(pending), conn))
}

// handleHealth responds with the server's health status as JSON, including
// the connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Groups      int    `json:"groups"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Groups:      s.conns.GroupCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands every ready connection
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(epollWaitMs)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Errorw("epoll wait failed", "error", err)
			continue
		}

		for _, c := range conns {
			s.dispatch(c)
		}
	}
}

func (s *Server) dispatch(c *Connection) {
	if c.processing.Load() {
		return
	}
	s.workerPool <- struct{}{}
	go func() {
		defer func() { <-s.workerPool }()
		s.handleConn(c)
	}()
}

// handleConn reads every frame available on c, then re-arms it with epoll.
// Duplicate dispatches are dropped by the processing flag.
func (s *Server) handleConn(c *Connection) {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		if s.conns.Get(c.ID) != nil {
			s.epoll.Resume(c)
		}
	}()

	for {
		if !s.readFrame(c) || c.reader.Buffered() == 0 {
			return
		}
	}
}

// readFrame reads and handles one frame. It returns false when the
// connection was removed or no frame was available.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer func() { _ = c.Conn.SetReadDeadline(time.Time{}) }()
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means epoll woke us without a full frame; the heartbeat
		// handles connections that are actually dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false
		}
		if !errors.Is(err, io.EOF) {
			s.log.Debugw("read failed", "conn", c.ID, "error", err)
		}
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.Length > s.config.MaxFrameBytes {
		s.log.Warnw("frame too large", "conn", c.ID, "user", c.UserID, "bytes", header.Length)
		s.RemoveConnection(c)
		return false
	}

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		payload := make([]byte, header.Length)
		_, _ = io.ReadFull(reader, payload)
		if header.OpCode == ws.OpPing {
			if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unregisters c from epoll and the connection manager and
// closes it. Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Infow("connection closed", "conn", c.ID, "user", c.UserID, "total", s.conns.Count())
}

// Send writes a text frame to c under the configured write timeout.
func (s *Server) Send(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Broadcast writes data to every connection in group and returns how many
// received it.
func (s *Server) Broadcast(group string, data []byte) int {
	sent := 0
	for _, c := range s.conns.Members(group) {
		if err := s.Send(c, data); err != nil {
			s.log.Debugw("broadcast write failed", "conn", c.ID, "group", group, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every connection through
// RemoveConnection so disconnect callbacks run, and releases epoll.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("http shutdown failed", "error", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info("server stopped")
	return err
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
