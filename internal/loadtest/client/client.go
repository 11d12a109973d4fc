// Package client is a WebSocket load test client for the matchcore gateway.
// It dials with gobwas/ws, the library the server uses, authenticates with a
// bearer token in the query string and records per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/emberapp/matchcore/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the connected event
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated device. Handlers run on the read loop goroutine
// and must not block.
type Client struct {
	conn      net.Conn
	rw        io.ReadWriter
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan string
	done      chan struct{}
	closeOnce sync.Once
}

// New dials wsURL with token and waits for the connected event. Handlers
// registered through opts run before the read loop starts, so no early
// event is missed.
func New(ctx context.Context, wsURL, token string, opts ...func(*Client)) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	// br holds frames that arrived together with the handshake response.
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	c := &Client{
		conn:      conn,
		rw:        rw,
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan string, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()

	select {
	case <-c.connected:
		c.mu.Lock()
		c.metrics.ConnectLatency = time.Since(start)
		c.mu.Unlock()
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("client: connection closed before connected event")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// On registers handler for a server event type. Only one handler per type.
func On(eventType string, handler func(json.RawMessage)) func(*Client) {
	return func(c *Client) { c.handlers[eventType] = handler }
}

// Send writes a client action. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.rw, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeConnected {
			var msg protocol.ConnectedMsg
			if json.Unmarshal(data, &msg) == nil {
				select {
				case c.connected <- msg.ConnectionID:
				default:
				}
			}
		}
		if handler, ok := c.handlers[env.Type]; ok {
			handler(env.Raw)
		}
	}
}
