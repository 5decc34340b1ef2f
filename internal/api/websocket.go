package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event types pushed to websocket subscribers
const (
	EventBadgeIssued  = "badge_issued"
	EventEventRevoked = "event_revoked"
)

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	EventID   string      `json:"eventId,omitempty"`
}

// wsConnection represents a single WebSocket connection
type wsConnection struct {
	id         string
	conn       *websocket.Conn
	send       chan WebSocketMessage
	remoteAddr string

	mu         sync.Mutex
	eventTypes map[string]bool
	lastPong   time.Time
}

// wants reports whether the connection is subscribed to eventType. An empty
// subscription set receives everything.
func (c *wsConnection) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.eventTypes) == 0 || c.eventTypes[eventType]
}

func (c *wsConnection) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.eventTypes))
	for t := range c.eventTypes {
		types = append(types, t)
	}
	return types
}

// Hub fans bridge events out to websocket clients. It satisfies
// enrollment.Notifier.
type Hub struct {
	connections map[string]*wsConnection
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
	broadcast   chan WebSocketMessage
	register    chan *wsConnection
	unregister  chan *wsConnection
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	seq         atomic.Uint64

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	maxConnections int
}

// NewHub creates a websocket hub; call Start before serving connections
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*wsConnection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The admin API binds to loopback and is guarded by JWT auth
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:         logger,
		broadcast:      make(chan WebSocketMessage, 256),
		register:       make(chan *wsConnection),
		unregister:     make(chan *wsConnection),
		done:           make(chan struct{}),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
		maxConnections: 50,
	}
}

// Start runs the hub loop until ctx is cancelled or Stop is called
func (h *Hub) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.run(ctx)
	})
}

// Stop stops the hub loop and closes every connection
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer h.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case message := <-h.broadcast:
			h.broadcastMessage(message)
		case <-ticker.C:
			h.pingConnections()
		}
	}
}

func (h *Hub) registerConnection(conn *wsConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.connections) >= h.maxConnections {
		h.logger.WithField("connectionId", conn.id).Warn("Maximum WebSocket connections reached")
		close(conn.send)
		return
	}

	h.connections[conn.id] = conn
	h.logger.WithFields(logrus.Fields{
		"connectionId": conn.id,
		"remoteAddr":   conn.remoteAddr,
		"totalConns":   len(h.connections),
	}).Info("WebSocket connection registered")

	h.sendTo(conn, WebSocketMessage{
		Type:      "welcome",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"connectionId": conn.id},
	})
}

func (h *Hub) unregisterConnection(conn *wsConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.connections[conn.id]; exists {
		delete(h.connections, conn.id)
		close(conn.send)

		h.logger.WithFields(logrus.Fields{
			"connectionId": conn.id,
			"totalConns":   len(h.connections),
		}).Info("WebSocket connection unregistered")
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for id, conn := range h.connections {
		delete(h.connections, id)
		close(conn.send)
	}
}

func (h *Hub) broadcastMessage(message WebSocketMessage) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sent := 0
	for _, conn := range h.connections {
		if !conn.wants(message.Type) {
			continue
		}
		if h.sendTo(conn, message) {
			sent++
		} else {
			// Slow consumer: drop it from outside the read lock
			go h.drop(conn)
		}
	}

	h.logger.WithFields(logrus.Fields{
		"messageType": message.Type,
		"sentCount":   sent,
	}).Debug("Message broadcasted to WebSocket connections")
}

func (h *Hub) sendTo(conn *wsConnection, message WebSocketMessage) bool {
	select {
	case conn.send <- message:
		return true
	default:
		h.logger.WithFields(logrus.Fields{
			"connectionId": conn.id,
			"messageType":  message.Type,
		}).Warn("WebSocket send buffer full")
		return false
	}
}

func (h *Hub) drop(conn *wsConnection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) pingConnections() {
	h.mutex.RLock()
	connections := make([]*wsConnection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	h.mutex.RUnlock()

	for _, conn := range connections {
		conn.mu.Lock()
		stale := time.Since(conn.lastPong) > h.pongTimeout
		conn.mu.Unlock()

		if stale {
			h.logger.WithField("connectionId", conn.id).Warn("WebSocket connection timed out")
			h.unregisterConnection(conn)
			continue
		}

		deadline := time.Now().Add(h.writeTimeout)
		if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.logger.WithError(err).WithField("connectionId", conn.id).Warn("Failed to send ping")
			h.unregisterConnection(conn)
		}
	}
}

// Notify broadcasts a bridge event to subscribed clients
func (h *Hub) Notify(event string, fields map[string]interface{}) {
	message := WebSocketMessage{
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      fields,
		EventID:   fmt.Sprintf("evt_%d", h.seq.Add(1)),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.WithField("eventType", event).Warn("Broadcast channel full, dropping message")
	}
}

// ConnectionCount returns the current number of WebSocket connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections)
}

// ServeWebSocket upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &wsConnection{
		id:         fmt.Sprintf("conn_%d", h.seq.Add(1)),
		conn:       ws,
		send:       make(chan WebSocketMessage, 64),
		remoteAddr: r.RemoteAddr,
		eventTypes: make(map[string]bool),
		lastPong:   time.Now(),
	}

	ws.SetReadLimit(h.maxMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.mu.Lock()
		conn.lastPong = time.Now()
		conn.mu.Unlock()
		return nil
	})

	select {
	case h.register <- conn:
	case <-h.done:
		ws.Close()
		return fmt.Errorf("websocket hub is stopped")
	}

	go h.writePump(conn)
	go h.readPump(conn)

	return nil
}

func (h *Hub) writePump(conn *wsConnection) {
	defer conn.conn.Close()

	for message := range conn.send {
		conn.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.conn.WriteJSON(message); err != nil {
			h.logger.WithError(err).WithField("connectionId", conn.id).Warn("Failed to write WebSocket message")
			h.drop(conn)
			return
		}
	}

	conn.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	conn.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) readPump(conn *wsConnection) {
	defer h.drop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("connectionId", conn.id).Debug("WebSocket connection closed")
			}
			return
		}
		if messageType == websocket.TextMessage {
			h.handleTextMessage(conn, data)
		}
	}
}

// clientMessage is what subscribers send: ping, subscribe or unsubscribe
type clientMessage struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types,omitempty"`
}

func (h *Hub) handleTextMessage(conn *wsConnection, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, "invalid message")
		return
	}

	switch msg.Type {
	case "ping":
		h.reply(conn, "pong", map[string]interface{}{"serverTime": time.Now().UTC()})
	case "subscribe", "unsubscribe":
		if len(msg.EventTypes) == 0 {
			h.sendError(conn, "event_types is required")
			return
		}
		conn.mu.Lock()
		for _, t := range msg.EventTypes {
			if msg.Type == "subscribe" {
				conn.eventTypes[t] = true
			} else {
				delete(conn.eventTypes, t)
			}
		}
		conn.mu.Unlock()
		h.reply(conn, msg.Type+"d", map[string]interface{}{"event_types": conn.subscriptions()})
	default:
		h.sendError(conn, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// reply queues a direct response. Holding the read lock keeps unregister from
// closing the send channel underneath us.
func (h *Hub) reply(conn *wsConnection, msgType string, data interface{}) {
	message := WebSocketMessage{Type: msgType, Timestamp: time.Now().UTC(), Data: data}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.connections[conn.id]; ok {
		h.sendTo(conn, message)
	}
}

func (h *Hub) sendError(conn *wsConnection, errorMsg string) {
	h.reply(conn, "error", map[string]interface{}{"error": errorMsg})
}
