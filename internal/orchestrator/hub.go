package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openkiosk/orchestrator/internal/shared"
)

// InboundHandler receives every decoded message from any connection.
type InboundHandler func(conn *ClientConn, msg *shared.Inbound)

type scopedMessage struct {
	code        string
	data        []byte
	unsubscribe bool
}

// Hub manages all real-time client connections using the Gorilla hub
// pattern. Delivery has exactly two modes: all connections, or only
// connections subscribed to a given session code.
type Hub struct {
	clients       map[string]*ClientConn
	register      chan *ClientConn
	unregister    chan *ClientConn
	broadcastAll  chan []byte
	scopedDeliver chan scopedMessage

	authToken      string
	allowedOrigins []string

	heartbeatInterval time.Duration
	heartbeatTimeout  int

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	ctx      context.Context

	onInbound    InboundHandler
	onDisconnect func(conn *ClientConn)
}

func NewHub(
	ctx context.Context,
	authToken string,
	allowedOrigins []string,
	heartbeatInterval time.Duration,
	heartbeatTimeout int,
	logger *zap.Logger,
) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		clients:           make(map[string]*ClientConn),
		register:          make(chan *ClientConn),
		unregister:        make(chan *ClientConn),
		broadcastAll:      make(chan []byte, 256),
		scopedDeliver:     make(chan scopedMessage, 256),
		authToken:         authToken,
		allowedOrigins:    allowedOrigins,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		logger:            logger,
		metrics:           GetMetrics(),
		ctx:               ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

// SetInboundHandler wires the dispatcher. Must be called before Run.
func (h *Hub) SetInboundHandler(handler InboundHandler) {
	h.mu.Lock()
	h.onInbound = handler
	h.mu.Unlock()
}

// SetDisconnectHandler is invoked after a connection is removed.
func (h *Hub) SetDisconnectHandler(handler func(conn *ClientConn)) {
	h.mu.Lock()
	h.onDisconnect = handler
	h.mu.Unlock()
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, conn := range h.clients {
				conn.closeSend()
				conn.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn.connID] = conn
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetActiveConnections(int64(count))
			h.logger.Info("client registered", zap.String("conn_id", conn.connID))

		case conn := <-h.unregister:
			h.mu.Lock()
			var disconnectHandler func(conn *ClientConn)
			if _, ok := h.clients[conn.connID]; ok {
				delete(h.clients, conn.connID)
				conn.closeSend()
				disconnectHandler = h.onDisconnect
				h.logger.Info("client unregistered",
					zap.String("conn_id", conn.connID),
					zap.String("role", string(conn.role)))
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetActiveConnections(int64(count))
			if disconnectHandler != nil {
				disconnectHandler(conn)
			}

		case msg := <-h.broadcastAll:
			h.deliver(msg, "")

		case msg := <-h.scopedDeliver:
			if msg.unsubscribe {
				h.clearSubscriptions(msg.code)
			} else {
				h.deliver(msg.data, msg.code)
			}

		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// deliver fans a payload out to every client, or only to clients whose
// subscription matches code when code is non-empty.
func (h *Hub) deliver(data []byte, code string) {
	h.mu.Lock()
	for id, conn := range h.clients {
		if code != "" && conn.SubscribedCode() != code {
			continue
		}
		if !conn.trySend(data) {
			h.logger.Warn("dropping slow client", zap.String("conn_id", id))
			conn.closeSend()
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
}

// BroadcastAll queues a message for every open connection.
func (h *Hub) BroadcastAll(data []byte) {
	select {
	case h.broadcastAll <- data:
	case <-h.ctx.Done():
	}
}

// BroadcastScoped queues a message for connections subscribed to the
// session code. Card-bind and checkout outcomes must use this mode.
func (h *Hub) BroadcastScoped(code string, data []byte) {
	if code == "" {
		return
	}
	select {
	case h.scopedDeliver <- scopedMessage{code: code, data: data}:
	case <-h.ctx.Done():
	}
}

// SubscribeAll points every not-yet-subscribed connection at the given
// session code, so clients that connected before the session existed
// still receive its scoped messages.
func (h *Hub) SubscribeAll(code string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.clients {
		if conn.SubscribedCode() == "" {
			conn.subscribe(code)
		}
	}
}

// UnsubscribeAll clears subscriptions to a finished session code.
// Without this a long-lived frontend would stay pointed at the old
// code forever and miss every scoped message of the next shopper.
// It rides the same queue as scoped delivery, so anything already
// queued for the code still reaches its subscribers first.
func (h *Hub) UnsubscribeAll(code string) {
	if code == "" {
		return
	}
	select {
	case h.scopedDeliver <- scopedMessage{code: code, unsubscribe: true}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) clearSubscriptions(code string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.clients {
		if conn.SubscribedCode() == code {
			conn.subscribe("")
		}
	}
}

// ServeWS handles WebSocket upgrade requests with token auth (header
// or query param).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	h.mu.RLock()
	currentToken := h.authToken
	h.mu.RUnlock()

	if token != currentToken {
		h.metrics.RecordConnection("rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	h.metrics.RecordConnection("accepted")
	client := newClientConn(h, conn, uuid.New().String())
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount reports how many connections follow a session code.
func (h *Hub) SubscriberCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conn := range h.clients {
		if conn.SubscribedCode() == code {
			count++
		}
	}
	return count
}

func (h *Hub) handleInbound(conn *ClientConn, msg *shared.Inbound) {
	h.mu.RLock()
	handler := h.onInbound
	h.mu.RUnlock()

	if handler != nil {
		handler(conn, msg)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Hub) checkHeartbeats() {
	timeout := h.heartbeatInterval * time.Duration(h.heartbeatTimeout)
	now := time.Now()

	h.mu.RLock()
	var timedOut []*ClientConn
	for _, conn := range h.clients {
		conn.mu.Lock()
		elapsed := now.Sub(conn.lastSeen)
		conn.mu.Unlock()
		if elapsed > timeout {
			timedOut = append(timedOut, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range timedOut {
		h.logger.Warn("client heartbeat timeout",
			zap.String("conn_id", conn.connID),
			zap.String("role", string(conn.Role())))
		conn.conn.Close()
	}
}
