package orchestrator

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/shared"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536
)

// ClientConn is one real-time connection: a controller bridge, a
// front-end UI, or an unclassified client that has not sent hello yet.
// Connections hold no session data, only routing labels for the hub.
type ClientConn struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	send   chan []byte

	mu             sync.Mutex
	role           shared.Role
	subscribedCode string
	lastSeen       time.Time
	sendClosed     bool
}

func newClientConn(hub *Hub, conn *websocket.Conn, connID string) *ClientConn {
	return &ClientConn{
		hub:      hub,
		conn:     conn,
		connID:   connID,
		send:     make(chan []byte, 256),
		lastSeen: time.Now(),
	}
}

func (c *ClientConn) Role() shared.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *ClientConn) setRole(role shared.Role) {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
}

func (c *ClientConn) SubscribedCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedCode
}

func (c *ClientConn) subscribe(code string) {
	c.mu.Lock()
	c.subscribedCode = code
	c.mu.Unlock()
}

// trySend queues a payload for the write pump without blocking. It
// reports false when the buffer is full or the channel is already
// closed; the connection may be torn down at any point while its read
// goroutine is still dispatching, so unguarded sends would panic.
func (c *ClientConn) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. All closes go
// through here so a late trySend sees sendClosed instead of a closed
// channel.
func (c *ClientConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *ClientConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("conn_id", c.connID),
					zap.Error(err),
				)
			}
			return
		}

		msg, err := shared.DecodeInbound(message)
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		c.hub.handleInbound(c, msg)
	}
}

func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
