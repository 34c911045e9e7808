package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Jackson57279/zapdev-sub003/internal/protocol"
)

// ErrHelloRejected is returned when the server refuses the hello.
var ErrHelloRejected = errors.New("hello rejected")

// Client is a websocket agent bound to one sandbox. It executes every
// sandbox_request it receives and answers with a sandbox_result.
type Client struct {
	conn      *websocket.Conn
	exec      *Executor
	sandboxID string
	logger    *zap.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Dial connects to the server's websocket endpoint.
func Dial(ctx context.Context, url string, exec *Executor, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, exec: exec, logger: logger}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Hello binds the connection to sandboxID and waits for hello_ack. It
// returns how many queued operations the server is about to push.
func (c *Client) Hello(apiKey, sandboxID string) (int, error) {
	msg := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        time.Now().UnixMilli(),
			SandboxID: sandboxID,
		},
		APIKey: apiKey,
		ClientMeta: map[string]string{
			"client": "zapdev-agent",
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read hello_ack: %w", err)
	}
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return 0, fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	switch base.Type {
	case protocol.TypeHelloAck:
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		return 0, fmt.Errorf("%w: %s - %s", ErrHelloRejected, errMsg.Code, errMsg.Message)
	default:
		return 0, fmt.Errorf("expected hello_ack, got: %s", base.Type)
	}

	var ack protocol.HelloAckMessage
	json.Unmarshal(data, &ack)
	c.sandboxID = sandboxID
	return ack.Pending, nil
}

// Serve handles messages until ctx ends or the connection drops. Operations
// run concurrently; results may arrive out of order.
func (c *Client) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()
	defer c.wg.Wait()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var base protocol.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			c.logger.Warn("Invalid message from server", zap.Error(err))
			continue
		}
		switch base.Type {
		case protocol.TypeSandboxRequest:
			var msg protocol.SandboxRequestMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("Invalid sandbox_request", zap.Error(err))
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleRequest(ctx, msg)
			}()
		case protocol.TypeResultAck:
			c.logger.Debug("Result acknowledged", zap.String("request_id", base.RequestID))
		case protocol.TypeError:
			var errMsg protocol.ErrorMessage
			json.Unmarshal(data, &errMsg)
			c.logger.Warn("Server error",
				zap.String("request_id", errMsg.RequestID),
				zap.String("code", errMsg.Code),
				zap.String("message", errMsg.Message))
		default:
			c.logger.Debug("Ignoring message", zap.String("type", base.Type))
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, msg protocol.SandboxRequestMessage) {
	op := msg.Operation
	c.logger.Debug("Executing operation",
		zap.String("request_id", op.RequestID),
		zap.String("kind", string(op.Kind)))

	resp := c.exec.Execute(ctx, op)
	err := c.writeJSON(protocol.SandboxResultMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeSandboxResult,
			Ts:        time.Now().UnixMilli(),
			RequestID: op.RequestID,
			SandboxID: c.sandboxID,
		},
		Response: resp,
	})
	if err != nil {
		c.logger.Warn("Failed to send result", zap.String("request_id", op.RequestID), zap.Error(err))
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
