// Package protocol defines the WebSocket message protocol between browser
// agents and the server.
package protocol

import "github.com/Jackson57279/zapdev-sub003/internal/domain"

// Message types from agent to server
const (
	TypeHello         = "hello"
	TypeSandboxResult = "sandbox_result"
)

// Message types from server to agent
const (
	TypeHelloAck       = "hello_ack"
	TypeSandboxRequest = "sandbox_request"
	TypeResultAck      = "result_ack"
	TypeError          = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

// HelloMessage binds a connection to a sandbox.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage confirms the binding. Pending carries how many queued
// operations follow.
type HelloAckMessage struct {
	BaseMessage
	Pending int `json:"pending"`
}

// SandboxRequestMessage asks the agent to execute one operation.
type SandboxRequestMessage struct {
	BaseMessage
	Operation domain.SandboxOperation `json:"operation"`
}

// SandboxResultMessage reports an operation's outcome.
type SandboxResultMessage struct {
	BaseMessage
	Response domain.SandboxResponse `json:"response"`
}

// ResultAckMessage acknowledges a result.
type ResultAckMessage struct {
	BaseMessage
	Matched bool `json:"matched"`
}

// ErrorMessage is sent by the server when an error occurs.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHelloRequired  = "hello_required"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternalError  = "internal_error"
)
