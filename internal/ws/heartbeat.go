package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no inbound frame within Interval + Timeout. Evictions go through
// RemoveConnection so disconnect callbacks run. It returns immediately.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, c := range stale(server.Connections().All(), config, now) {
		server.log.Infow("heartbeat timeout",
			"conn", c.ID, "user", c.UserID,
			"idle", now.Sub(c.LastActivity()).Round(time.Second))
		server.RemoveConnection(c)
	}

	var alive []*Connection
	for _, c := range server.Connections().All() {
		if err := c.WritePing(); err != nil {
			server.log.Debugw("heartbeat ping failed", "conn", c.ID, "error", err)
			server.RemoveConnection(c)
			continue
		}
		alive = append(alive, c)
	}
	if server.onHeartbeat != nil && len(alive) > 0 {
		server.onHeartbeat(alive)
	}
}

// stale returns the connections idle longer than Interval + Timeout.
func stale(conns []*Connection, config HeartbeatConfig, now time.Time) []*Connection {
	deadline := config.Interval + config.Timeout
	var out []*Connection
	for _, c := range conns {
		if now.Sub(c.LastActivity()) > deadline {
			out = append(out, c)
		}
	}
	return out
}

// WritePing sends a protocol-level ping frame. Browsers answer it with a
// pong automatically.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}
