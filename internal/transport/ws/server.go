// Package ws serves the WebSocket endpoint browser agents use to receive
// sandbox operations and report their results.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/bridge"
	"github.com/Jackson57279/zapdev-sub003/internal/config"
	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/hub"
	"github.com/Jackson57279/zapdev-sub003/internal/protocol"
	"github.com/Jackson57279/zapdev-sub003/internal/sandbox"
)

// Handler receives agent results and supplies operations queued while no
// agent was connected.
type Handler interface {
	SubmitSandboxResult(ctx context.Context, req domain.SandboxResultRequest) error
	TakeUndelivered(sandboxID string) []domain.SandboxOperation
}

// Server handles WebSocket connections.
type Server struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	handler  Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg config.ServerConfig, h *hub.Hub, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Agents run inside the product's own browser tabs on any origin.
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade WebSocket", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	if s.cfg.MaxMessage > 0 {
		ws.SetReadLimit(s.cfg.MaxMessage)
	}

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Info("WebSocket closed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("Failed to write message", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeSandboxResult:
		s.handleSandboxResult(conn, data)
	default:
		s.sendError(conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello binds the connection to a sandbox and flushes operations that
// were queued for pull delivery.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}
	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, "", protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}
	if !sandbox.ValidID(msg.SandboxID) {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "valid sandbox_id is required")
		return
	}

	s.hub.Bind(conn, msg.SandboxID)
	backlog := s.handler.TakeUndelivered(msg.SandboxID)

	s.hub.SendJSON(conn, protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			SandboxID: msg.SandboxID,
		},
		Pending: len(backlog),
	})
	for _, op := range backlog {
		if err := s.hub.Dispatch(context.Background(), op); err != nil {
			s.logger.Warn("Failed to push queued operation",
				zap.String("sandbox_id", msg.SandboxID),
				zap.String("request_id", op.RequestID),
				zap.Error(err))
		}
	}

	s.logger.Info("Agent bound", zap.String("conn_id", conn.ID), zap.String("sandbox_id", msg.SandboxID), zap.Int("backlog", len(backlog)))
}

// handleSandboxResult resolves the pending operation named by the result.
func (s *Server) handleSandboxResult(conn *hub.Connection, data []byte) {
	var msg protocol.SandboxResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid sandbox_result message")
		return
	}
	sandboxID := conn.SandboxID()
	if sandboxID == "" {
		s.sendError(conn, msg.Response.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}
	if msg.SandboxID != "" && msg.SandboxID != sandboxID {
		s.sendError(conn, msg.Response.RequestID, protocol.ErrorCodeInvalidMessage, "sandbox_id does not match the bound sandbox")
		return
	}

	resp := msg.Response
	err := s.handler.SubmitSandboxResult(context.Background(), domain.SandboxResultRequest{
		SandboxID: sandboxID,
		Response:  &resp,
	})
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNotFound):
		s.sendError(conn, resp.RequestID, protocol.ErrorCodeNotFound, "No pending request found")
		return
	default:
		s.sendError(conn, resp.RequestID, protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	s.hub.SendJSON(conn, protocol.ResultAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeResultAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: resp.RequestID,
			SandboxID: sandboxID,
		},
		Matched: true,
	})
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	s.hub.SendJSON(conn, protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeError,
			Ts:        time.Now().UnixMilli(),
			RequestID: requestID,
			SandboxID: conn.SandboxID(),
		},
		Code:    code,
		Message: message,
	})
}
