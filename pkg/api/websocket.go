package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cortexhub/cortex/pkg/bus"
)

// writeTimeout bounds one WebSocket send so a stalled client cannot
// block the fan-out.
const writeTimeout = 5 * time.Second

// clientMessage is the inbound WS protocol: subscribe/unsubscribe to an
// agent id (empty = all agents), plus ping.
type clientMessage struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id,omitempty"`
}

// wsConn is one connected client.
//
// filters is accessed without a lock: all reads and writes happen on
// the goroutine that owns this connection (the read loop and the bus
// callback serialized through sendMu).
type wsConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	sendMu  sync.Mutex
	all     bool
	filters map[string]bool // agent ids this client wants
}

// WSHub fans the event bus out to WebSocket clients. One hub per server.
type WSHub struct {
	events *bus.Bus
	sub    *bus.Subscription

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewWSHub creates a hub over the given bus.
func NewWSHub(events *bus.Bus) *WSHub {
	return &WSHub{
		events: events,
		conns:  make(map[string]*wsConn),
	}
}

// Start subscribes the hub to the full event stream.
func (h *WSHub) Start() {
	h.sub = h.events.SubscribeAll(func(ev *bus.AgentEvent) {
		h.broadcast(ev)
	})
}

// Stop unsubscribes and closes every client.
func (h *WSHub) Stop() {
	if h.sub != nil {
		h.events.Unsubscribe(h.sub)
	}
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*wsConn)
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ActiveConnections returns the number of connected clients.
func (h *WSHub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Handle upgrades GET /ws and runs the connection's read loop until it
// closes.
func (h *WSHub) Handle(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Local-first hub: same-machine UIs connect from arbitrary origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	wc := &wsConn{
		id:      uuid.NewString(),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		all:     true, // default: the full stream until the client filters
		filters: make(map[string]bool),
	}

	h.mu.Lock()
	h.conns[wc.id] = wc
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, wc.id)
		h.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.sendJSON(wc, map[string]string{
		"type":          "connection.established",
		"connection_id": wc.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", wc.id, "error", err)
			continue
		}
		h.handleClientMessage(wc, &msg)
	}
}

func (h *WSHub) handleClientMessage(wc *wsConn, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		wc.sendMu.Lock()
		if msg.AgentID == "" {
			wc.all = true
		} else {
			wc.all = false
			wc.filters[msg.AgentID] = true
		}
		wc.sendMu.Unlock()
		h.sendJSON(wc, map[string]string{
			"type":     "subscription.confirmed",
			"agent_id": msg.AgentID,
		})
	case "unsubscribe":
		wc.sendMu.Lock()
		if msg.AgentID == "" {
			wc.all = false
			wc.filters = make(map[string]bool)
		} else {
			delete(wc.filters, msg.AgentID)
		}
		wc.sendMu.Unlock()
	case "ping":
		h.sendJSON(wc, map[string]string{"type": "pong"})
	default:
		h.sendJSON(wc, map[string]string{
			"type":    "error",
			"message": "unknown action: " + msg.Action,
		})
	}
}

// broadcast delivers one event to every matching client.
func (h *WSHub) broadcast(ev *bus.AgentEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Event marshal failed", "type", string(ev.Type), "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, wc := range conns {
		wc.sendMu.Lock()
		want := wc.all || wc.filters[ev.AgentID]
		wc.sendMu.Unlock()
		if !want {
			continue
		}
		if err := h.sendRaw(wc, payload); err != nil {
			slog.Warn("WebSocket send failed", "connection_id", wc.id, "error", err)
		}
	}
}

func (h *WSHub) sendJSON(wc *wsConn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := h.sendRaw(wc, payload); err != nil {
		slog.Warn("WebSocket send failed", "connection_id", wc.id, "error", err)
	}
}

func (h *WSHub) sendRaw(wc *wsConn, payload []byte) error {
	wc.sendMu.Lock()
	defer wc.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(wc.ctx, writeTimeout)
	defer cancel()
	return wc.conn.Write(ctx, websocket.MessageText, payload)
}
