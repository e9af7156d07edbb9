package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Reserved close codes. 4401 rejects an unauthorized handshake, 4408 closes
// a connection that went silent past the idle timeout.
const (
	CloseUnauthorized = 4401
	CloseIdleTimeout  = 4408
)

// Disconnect reasons recorded at teardown.
const (
	reasonClient   = "client"
	reasonInactive = "inactive"
	reasonShutdown = "shutdown"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   int64
	Username string
	Name     string
	Email    string
}

// conn is one live websocket. It is owned by the Registry; the write pump is
// the only goroutine that touches the socket for writes after admission.
type conn struct {
	token    string
	identity Identity
	sock     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	stopHeartbeat chan struct{}
	closeOnce     sync.Once
	stopOnce      sync.Once

	mu           sync.Mutex
	lastActivity time.Time
	lastPresence time.Time
	pendingPing  string
	closeReason  string
}

func newConn(token string, identity Identity, sock *websocket.Conn, sendBuffer int, limit rate.Limit, burst int) *conn {
	now := time.Now()
	return &conn{
		token:         token,
		identity:      identity,
		sock:          sock,
		send:          make(chan []byte, sendBuffer),
		limiter:       rate.NewLimiter(limit, burst),
		stopHeartbeat: make(chan struct{}),
		lastActivity:  now,
		lastPresence:  now,
	}
}

// touch resets the idle clock. Any inbound frame counts as activity.
func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// presenceDue reports whether the presence record wants a refresh, and
// marks it refreshed when so.
func (c *conn) presenceDue(interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastPresence) < interval {
		return false
	}
	c.lastPresence = time.Now()
	return true
}

// recordPing notes the correlation id of an outstanding heartbeat ping.
func (c *conn) recordPing(pingID string) {
	c.mu.Lock()
	c.pendingPing = pingID
	c.mu.Unlock()
}

// pongReceived clears the outstanding ping when the correlation id matches.
// A stale id is tolerated; network reordering can deliver an old pong, and
// the frame already counted as activity.
func (c *conn) pongReceived(pingID string) {
	c.mu.Lock()
	pending := c.pendingPing
	if pingID == pending {
		c.pendingPing = ""
	}
	c.mu.Unlock()

	if pending != "" && pingID != pending {
		slog.Debug("Stale pong id", "conn", c.token, "got", pingID, "want", pending)
	}
}

// setCloseReason records why the connection is going away; the first reason
// wins.
func (c *conn) setCloseReason(reason string) {
	c.mu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.mu.Unlock()
}

func (c *conn) getCloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return reasonClient
	}
	return c.closeReason
}

// closeWithCode sends a close frame and closes the socket. Safe to call from
// any goroutine, at most one close frame goes out.
func (c *conn) closeWithCode(code int, text string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(5 * time.Second)
		msg := websocket.FormatCloseMessage(code, text)
		if err := c.sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			slog.Debug("Failed to write close frame", "conn", c.token, "error", err)
		}
		_ = c.sock.Close()
	})
}

// haltHeartbeat stops the connection's heartbeat supervisor.
func (c *conn) haltHeartbeat() {
	c.stopOnce.Do(func() {
		close(c.stopHeartbeat)
	})
}

// writePump drains the send channel onto the socket. It exits when the
// Registry closes the channel at removal, closing the socket behind itself.
func (c *conn) writePump(writeTimeout time.Duration) {
	defer c.closeWithCode(websocket.CloseNormalClosure, "")

	for data := range c.send {
		if err := c.sock.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			if !isExpectedCloseError(err) {
				slog.Debug("Write failed", "conn", c.token, "error", err)
			}
			return
		}
	}
}

func isExpectedCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived)
}
