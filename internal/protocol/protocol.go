// Package protocol implements the JSON-RPC 2.0 envelope spoken with MCP
// tool servers over stdio, including the initialize handshake types.
// One message per line; the payload of requests and responses is opaque
// to this package beyond the envelope fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// MCPProtocolVersion is the MCP revision this client speaks.
const MCPProtocolVersion = "2025-03-26"

// Request is an outgoing JSON-RPC request or, when ID is nil, a
// fire-and-forget notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Response is an incoming JSON-RPC response. Result and Error are
// mutually exclusive; ID echoes the request's id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a decoded incoming frame that may be a response or a
// server-originated request/notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// UnmarshalJSON validates JSON-RPC 2.0 structure while decoding: the
// version must match, a request carries a method, and a response carries
// exactly one of result or error.
func (m *Message) UnmarshalJSON(data []byte) error {
	type raw Message
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if r.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	if r.Method != "" {
		if hasResult || hasError {
			return fmt.Errorf("request carries result or error")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response carries both result and error")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response carries neither result nor error")
		}
	}
	*m = Message(r)
	return nil
}

// IsResponse reports whether the message is a response to one of our
// requests (no method, an id present).
func (m *Message) IsResponse() bool { return m.Method == "" && !m.ID.IsNil() }

// IsNotification reports whether the message is a server notification.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID.IsNil() }

// AsResponse converts the message; callers must check IsResponse first.
func (m *Message) AsResponse() *Response {
	return &Response{JSONRPC: m.JSONRPC, Result: m.Result, Error: m.Error, ID: m.ID}
}

// NewRequest builds a request with marshaled params. A nil params value
// omits the field entirely.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw, ID: id}, nil
}

// NewNotification builds an id-less request.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}
