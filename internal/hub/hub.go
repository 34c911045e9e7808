// Package hub tracks browser agent WebSocket connections by sandbox and
// pushes sandbox operations to them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/metrics"
	"github.com/Jackson57279/zapdev-sub003/internal/protocol"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

const sendBuffer = 256

// Connection is a single agent WebSocket connection.
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Send      chan []byte
	sandboxID string
	bound     time.Time
	mu        sync.Mutex
}

// SandboxID returns the sandbox the connection is bound to, if any.
func (c *Connection) SandboxID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandboxID
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Hub manages agent connections.
type Hub struct {
	// connections indexed by connection ID
	connections map[string]*Connection
	// sandboxes maps sandbox_id to its bound connections
	sandboxes map[string]map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}
	stopOnce   sync.Once

	logger  *zap.Logger
	metrics *metrics.Metrics
	mu      sync.RWMutex
}

// New creates a hub. Run must be started before connections register.
func New(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sandboxes:   make(map[string]map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		logger:      logger,
		metrics:     m,
	}
}

// Run processes registrations until ctx ends. After it returns, Register
// and Unregister update the hub directly instead of blocking.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.add(conn)
		case conn := <-h.unregister:
			h.remove(conn)
		}
	}
}

func (h *Hub) add(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Debug("Connection registered", zap.String("conn_id", conn.ID))
}

func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		h.unbindLocked(conn)
		close(conn.Send)
		h.metrics.ConnectionClosed()
	}
	h.mu.Unlock()
	h.logger.Debug("Connection unregistered", zap.String("conn_id", conn.ID))
}

// NewConnection wraps ws. The caller registers it.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		Conn: ws,
		Send: make(chan []byte, sendBuffer),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		h.add(conn)
	}
}

// Unregister unregisters a connection from the hub and closes its Send
// channel.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		h.remove(conn)
	}
}

// Bind attaches a connection to a sandbox, replacing any earlier binding.
func (h *Hub) Bind(conn *Connection, sandboxID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)

	conn.mu.Lock()
	conn.sandboxID = sandboxID
	conn.bound = time.Now()
	conn.mu.Unlock()

	if h.sandboxes[sandboxID] == nil {
		h.sandboxes[sandboxID] = make(map[string]*Connection)
	}
	h.sandboxes[sandboxID][conn.ID] = conn
}

func (h *Hub) unbindLocked(conn *Connection) {
	id := conn.SandboxID()
	if id == "" || h.sandboxes[id] == nil {
		return
	}
	delete(h.sandboxes[id], conn.ID)
	if len(h.sandboxes[id]) == 0 {
		delete(h.sandboxes, id)
	}
}

// HasConnection reports whether an agent is bound to sandboxID.
func (h *Hub) HasConnection(sandboxID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sandboxes[sandboxID]) > 0
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Dispatch pushes op to the most recently bound agent of its sandbox. It
// returns sandbox.ErrNoConnection when no agent is bound, so the caller can
// fall back to pull delivery.
func (h *Hub) Dispatch(_ context.Context, op domain.SandboxOperation) error {
	data, err := json.Marshal(protocol.SandboxRequestMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeSandboxRequest,
			Ts:        time.Now().UnixMilli(),
			RequestID: op.RequestID,
			SandboxID: op.SandboxID,
		},
		Operation: op,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var target *Connection
	for _, c := range h.sandboxes[op.SandboxID] {
		if target == nil || c.bound.After(target.bound) {
			target = c
		}
	}
	if target == nil {
		return sandbox.ErrNoConnection
	}
	return h.send(target, data)
}

// SendJSON sends a JSON message to a specific connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.send(conn, data)
}

func (h *Hub) send(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		h.logger.Warn("Connection buffer full", zap.String("conn_id", conn.ID))
		return fmt.Errorf("connection %s: %w", conn.ID, ErrBufferFull)
	}
}
